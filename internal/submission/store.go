package submission

import "context"

// Store persists submissions and their run history.
type Store interface {
	// Create assigns the submission's ID and persists it.
	Create(ctx context.Context, sub *Submission) error
	GetByToken(ctx context.Context, token string) (*Submission, error)
	// MarkProcessing flips the submission into the processing state and
	// stamps the worker host, without touching result fields.
	MarkProcessing(ctx context.Context, token string, host string) error
	// Update persists status, result fields and finish timestamp.
	Update(ctx context.Context, sub *Submission) error
	// AppendResult records one run in the submission's history.
	AppendResult(ctx context.Context, rec *RunRecord) error
	// ResultsByToken returns the submission's run history, oldest first.
	ResultsByToken(ctx context.Context, token string) ([]RunRecord, error)
	Close()
}
