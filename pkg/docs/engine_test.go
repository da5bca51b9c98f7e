package docs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"securedocs/pkg/domain"
	"securedocs/pkg/storage"
	"securedocs/pkg/store"
	"securedocs/pkg/watch"
)

func newEngine(t *testing.T) (*Engine, *store.MemoryStore, *storage.MemoryObjectStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	blobs := storage.NewMemoryObjectStore()
	return NewEngine(mem, blobs, watch.NewMemoryBus()), mem, blobs
}

func upload(t *testing.T, e *Engine, owner, name string, body []byte) domain.Document {
	t.Helper()
	doc, err := e.Upload(context.Background(), UploadInput{
		OwnerID:     owner,
		FileName:    name,
		Size:        int64(len(body)),
		ContentType: "application/octet-stream",
		Category:    domain.CategoryFile,
		Body:        bytes.NewReader(body),
	})
	if err != nil {
		t.Fatalf("upload %q: %v", name, err)
	}
	return doc
}

func TestUploadCreatesRecordAndBlob(t *testing.T) {
	e, mem, blobs := newEngine(t)
	var progress []int
	doc, err := e.Upload(context.Background(), UploadInput{
		OwnerID:     "owner1",
		FileName:    "tax report 2025.pdf",
		Size:        10,
		ContentType: "application/pdf",
		Category:    domain.CategoryFile,
		Body:        strings.NewReader("0123456789"),
		OnProgress:  func(p int) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.FileName != "tax_report_2025.pdf" {
		t.Fatalf("sanitized name = %q", doc.FileName)
	}
	if doc.StoragePath != "documents/owner1/tax_report_2025.pdf" {
		t.Fatalf("storage path = %q", doc.StoragePath)
	}
	if doc.OriginalName != "tax report 2025.pdf" {
		t.Fatalf("original name = %q", doc.OriginalName)
	}
	if doc.FileType != "application/pdf" {
		t.Fatalf("fileType = %q, want the source MIME type", doc.FileType)
	}
	if doc.FileURL == "" {
		t.Fatal("file url not set")
	}
	if !blobs.Has(doc.StoragePath) {
		t.Fatal("blob missing")
	}
	got, ok, err := mem.GetDocument(context.Background(), doc.ID)
	if err != nil || !ok {
		t.Fatalf("record missing: ok=%v err=%v", ok, err)
	}
	if got.SizeBytes != 10 {
		t.Fatalf("size = %d, want 10", got.SizeBytes)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("progress = %v, want trailing 100", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not strictly increasing: %v", progress)
		}
	}
}

func TestUploadRejectsBlockedExtensions(t *testing.T) {
	e, _, blobs := newEngine(t)
	for _, name := range []string{"run.exe", "app.APK", "job.bat", "do.cmd", "boot.sh"} {
		progressed := false
		_, err := e.Upload(context.Background(), UploadInput{
			OwnerID:    "owner1",
			FileName:   name,
			Size:       4,
			Category:   domain.CategoryFile,
			Body:       strings.NewReader("data"),
			OnProgress: func(int) { progressed = true },
		})
		if !errors.Is(err, ErrUnsupportedExtension) {
			t.Fatalf("%s: err = %v, want ErrUnsupportedExtension", name, err)
		}
		if progressed {
			t.Fatalf("%s: progress reported before validation", name)
		}
	}
	if blobs.Has("documents/owner1/run.exe") {
		t.Fatal("blocked file reached storage")
	}
}

func TestUploadRejectsOversizeBeforeProgress(t *testing.T) {
	e, mem, _ := newEngine(t)
	progressed := false
	_, err := e.Upload(context.Background(), UploadInput{
		OwnerID:    "owner1",
		FileName:   "big.pdf",
		Size:       6 << 20,
		Category:   domain.CategoryFile,
		Body:       strings.NewReader("x"),
		OnProgress: func(int) { progressed = true },
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if progressed {
		t.Fatal("progress reported for rejected upload")
	}
	docs, err := mem.ListDocumentsByOwner(context.Background(), "owner1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("record created for rejected upload: %v", docs)
	}
}

func TestUploadRejectsUndersizedDeclaration(t *testing.T) {
	e, _, _ := newEngine(t)
	// Declared size fits, actual stream does not.
	body := bytes.Repeat([]byte("a"), MaxFileSize+1)
	_, err := e.Upload(context.Background(), UploadInput{
		OwnerID:  "owner1",
		FileName: "sneaky.pdf",
		Size:     100,
		Category: domain.CategoryFile,
		Body:     bytes.NewReader(body),
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestUploadBlobFailureLeavesNoRecord(t *testing.T) {
	e, mem, blobs := newEngine(t)
	blobs.FailPut = errors.New("storage down")
	_, err := e.Upload(context.Background(), UploadInput{
		OwnerID:  "owner1",
		FileName: "doc.pdf",
		Size:     4,
		Category: domain.CategoryFile,
		Body:     strings.NewReader("data"),
	})
	if err == nil {
		t.Fatal("upload succeeded with failing blob store")
	}
	docs, _ := mem.ListDocumentsByOwner(context.Background(), "owner1")
	if len(docs) != 0 {
		t.Fatalf("record exists after blob failure: %v", docs)
	}
}

func TestRemoveDeletesBlobThenRecord(t *testing.T) {
	e, mem, blobs := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))

	if err := e.Remove(context.Background(), "owner1", doc.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if blobs.Has(doc.StoragePath) {
		t.Fatal("blob survived removal")
	}
	if _, ok, _ := mem.GetDocument(context.Background(), doc.ID); ok {
		t.Fatal("record survived removal")
	}
}

func TestRemoveAbortsOnBlobFailure(t *testing.T) {
	e, mem, blobs := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))

	blobs.FailDelete = errors.New("storage down")
	if err := e.Remove(context.Background(), "owner1", doc.ID); err == nil {
		t.Fatal("remove succeeded with failing blob delete")
	}
	if _, ok, _ := mem.GetDocument(context.Background(), doc.ID); !ok {
		t.Fatal("record deleted despite blob failure")
	}
}

func TestRemoveAbsentBlobSucceeds(t *testing.T) {
	e, mem, blobs := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))
	if err := blobs.Delete(context.Background(), doc.StoragePath); err != nil {
		t.Fatalf("pre-delete blob: %v", err)
	}

	if err := e.Remove(context.Background(), "owner1", doc.ID); err != nil {
		t.Fatalf("remove with absent blob: %v", err)
	}
	if _, ok, _ := mem.GetDocument(context.Background(), doc.ID); ok {
		t.Fatal("record survived removal")
	}
}

func TestRemoveRequiresOwner(t *testing.T) {
	e, _, _ := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))
	if err := e.Remove(context.Background(), "intruder", doc.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := e.Remove(context.Background(), "owner1", "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestShareGrantsAndIsIdempotent(t *testing.T) {
	e, mem, _ := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))

	for i := 0; i < 3; i++ {
		if err := e.Share(context.Background(), "owner1", doc.ID, "friend1"); err != nil {
			t.Fatalf("share %d: %v", i, err)
		}
	}
	got, ok, _ := mem.GetDocument(context.Background(), doc.ID)
	if !ok {
		t.Fatal("document missing")
	}
	if len(got.SharedWith) != 1 || got.SharedWith[0] != "friend1" {
		t.Fatalf("sharedWith = %v, want [friend1]", got.SharedWith)
	}
}

func TestShareRejectsOwnerAndNonOwner(t *testing.T) {
	e, _, _ := newEngine(t)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))

	if err := e.Share(context.Background(), "owner1", doc.ID, "owner1"); !errors.Is(err, ErrShareWithOwner) {
		t.Fatalf("err = %v, want ErrShareWithOwner", err)
	}
	if err := e.Share(context.Background(), "intruder", doc.ID, "friend1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := e.Share(context.Background(), "owner1", doc.ID, "  "); !errors.Is(err, ErrMissingGrantee) {
		t.Fatalf("err = %v, want ErrMissingGrantee", err)
	}
}

func TestListScoping(t *testing.T) {
	e, _, _ := newEngine(t)
	mine := upload(t, e, "owner1", "mine.pdf", []byte("data"))
	theirs := upload(t, e, "owner2", "theirs.pdf", []byte("data"))
	if err := e.Share(context.Background(), "owner2", theirs.ID, "owner1"); err != nil {
		t.Fatalf("share: %v", err)
	}

	owned, err := e.ListOwned(context.Background(), "owner1", View{})
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != mine.ID {
		t.Fatalf("owned = %v", owned)
	}

	shared, err := e.ListShared(context.Background(), "owner1", View{})
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	if len(shared) != 1 || shared[0].ID != theirs.ID {
		t.Fatalf("shared = %v", shared)
	}
}

func TestListenOwnedDeliversOnChange(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	live, err := e.ListenOwned(ctx, "owner1", View{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer live.Cancel()

	waitFor := func(want int) []domain.Document {
		deadline := time.After(time.Second)
		for {
			select {
			case docs := <-live.C:
				if len(docs) == want {
					return docs
				}
			case <-deadline:
				t.Fatalf("no snapshot with %d documents", want)
			}
		}
	}

	waitFor(0)
	doc := upload(t, e, "owner1", "doc.pdf", []byte("data"))
	got := waitFor(1)
	if got[0].ID != doc.ID {
		t.Fatalf("snapshot = %v", got)
	}

	live.Cancel()
	live.Cancel() // idempotent
	upload(t, e, "owner1", "late.pdf", []byte("data"))
	time.Sleep(20 * time.Millisecond)
	select {
	case docs, ok := <-live.C:
		if ok && len(docs) > 1 {
			t.Fatalf("delivery after cancel: %v", docs)
		}
	default:
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"my file (1).pdf", "my_file__1_.pdf"},
		{"../../../etc/passwd", "passwd"},
		{"résumé.pdf", "r_sum_.pdf"},
		{"a b&c#d.txt", "a_b_c_d.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Fatalf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
