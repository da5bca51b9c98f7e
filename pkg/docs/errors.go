package docs

import "errors"

var (
	// ErrUnsupportedExtension rejects blocked file types before transfer.
	ErrUnsupportedExtension = errors.New("file type is not allowed")
	// ErrFileTooLarge rejects files over the size ceiling before transfer.
	ErrFileTooLarge = errors.New("file exceeds the maximum allowed size")
	// ErrInvalidCategory rejects a category outside the closed set.
	ErrInvalidCategory = errors.New("unknown document category")
	// ErrDocumentNotFound means no record exists for the id.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrNotOwner rejects a mutation by anyone but the document owner.
	ErrNotOwner = errors.New("only the document owner may do this")
	// ErrShareWithOwner rejects granting a document to its own owner.
	ErrShareWithOwner = errors.New("cannot share a document with its owner")
	// ErrMissingFile rejects an upload without content.
	ErrMissingFile = errors.New("file content is required")
	// ErrMissingGrantee rejects a share without a grantee.
	ErrMissingGrantee = errors.New("grantee is required")
)
