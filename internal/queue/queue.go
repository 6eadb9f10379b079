// Package queue hands job ids from the API to out-of-process workers.
//
// A message names a job and nothing else: the worker reloads the stored
// conversation, so a message may be delivered more than once or late without
// changing the outcome.
package queue

import "context"

// Client enqueues messages.
type Client interface {
	Send(ctx context.Context, msg Message) error
}
