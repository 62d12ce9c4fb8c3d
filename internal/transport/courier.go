package transport

import (
	"context"
	"io"
)

// Document is the payload handed to a courier: the bytes to deliver, the
// filename to present them under, and an accompanying caption. The filename is
// always an alias-derived name, never the stored original.
type Document struct {
	Filename string
	Payload  io.Reader
	Caption  string
}

// Courier delivers a document to a principal's chat. Implementations return an
// error on any delivery failure and perform no retries of their own; retry
// policy belongs to the caller.
type Courier interface {
	SendDocument(ctx context.Context, principalID int64, doc Document) error
}
