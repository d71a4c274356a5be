// Package mocks provides gomock implementations of the collaborators the job
// state machine calls out to.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	submitter := mocks.NewMockSubmitter(ctrl)
//	submitter.EXPECT().SubmitJob(gomock.Any(), "input", gomock.Any()).Return("job-1", nil)
package mocks

// MockSubmitter: SubmitJob
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=submitter_mock.go github.com/MimeLyc/strproc/internal/jobs Submitter

// MockCanceller: CancelJob
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=canceller_mock.go github.com/MimeLyc/strproc/internal/jobs Canceller
