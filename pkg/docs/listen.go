package docs

import (
	"context"
	"sync"

	"securedocs/pkg/domain"
)

// LiveList is a live query over a document predicate. Each change
// signal requeries and delivers a fresh ordered snapshot on C. The
// handle is a scoped resource: Cancel must be called on teardown, and
// after Cancel nothing more is delivered.
type LiveList struct {
	C <-chan []domain.Document

	once   sync.Once
	cancel func()
}

// Cancel releases the live query. Safe to call more than once.
func (l *LiveList) Cancel() {
	l.once.Do(l.cancel)
}

// ListenOwned streams the caller's own documents.
func (e *Engine) ListenOwned(ctx context.Context, ownerID string, v View) (*LiveList, error) {
	return e.listen(ctx, ownerID, func(ctx context.Context) ([]domain.Document, error) {
		return e.ListOwned(ctx, ownerID, v)
	})
}

// ListenShared streams documents granted to the caller.
func (e *Engine) ListenShared(ctx context.Context, granteeID string, v View) (*LiveList, error) {
	return e.listen(ctx, granteeID, func(ctx context.Context) ([]domain.Document, error) {
		return e.ListShared(ctx, granteeID, v)
	})
}

func (e *Engine) listen(ctx context.Context, uid string, query func(context.Context) ([]domain.Document, error)) (*LiveList, error) {
	sub, err := e.bus.Subscribe(ctx, userTopic(uid))
	if err != nil {
		return nil, err
	}
	listCtx, stop := context.WithCancel(ctx)
	out := make(chan []domain.Document, 1)

	deliver := func() {
		docs, err := query(listCtx)
		if err != nil {
			return
		}
		// Coalesce: a slow consumer sees only the newest snapshot.
		select {
		case <-out:
		default:
		}
		select {
		case out <- docs:
		case <-listCtx.Done():
		}
	}

	go func() {
		deliver()
		for {
			select {
			case <-listCtx.Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return &LiveList{
		C: out,
		cancel: func() {
			stop()
			sub.Cancel()
		},
	}, nil
}
