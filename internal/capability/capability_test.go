package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/galaxyeye/browser4agi/internal/action"
)

func testRegistry() *Registry {
	return NewRegistry(map[string]Tool{
		"browser": NewBrowser(map[string]string{
			"https://example.com": "<html>canned</html>",
		}),
		"fs": NewFileSystem(),
	})
}

func TestRegistryDispatch(t *testing.T) {
	reg := testRegistry()

	obs, err := reg.Execute(context.Background(), action.Action{
		Name:   "browser.open",
		Params: map[string]string{"url": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if obs.Kind != "browser_page" || obs.Payload["content"] != "<html>canned</html>" {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	_, err := testRegistry().Execute(context.Background(), action.Action{Name: "mailer.send"})
	if !errors.Is(err, ErrActionFailure) {
		t.Fatalf("err = %v, want ErrActionFailure", err)
	}
}

func TestRegistryMalformedActionName(t *testing.T) {
	_, err := testRegistry().Execute(context.Background(), action.Action{Name: "open"})
	if !errors.Is(err, ErrActionFailure) {
		t.Fatalf("err = %v, want ErrActionFailure", err)
	}
}

func TestBrowserRequiresOpenPage(t *testing.T) {
	b := NewBrowser(nil)
	_, err := b.Invoke(context.Background(), "click", map[string]string{"selector": "#go"})
	if !errors.Is(err, ErrActionFailure) {
		t.Fatalf("click without page = %v, want ErrActionFailure", err)
	}

	if _, err := b.Invoke(context.Background(), "open", map[string]string{"url": "https://a.test"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Invoke(context.Background(), "click", map[string]string{"selector": "#go"}); err != nil {
		t.Fatalf("click after open: %v", err)
	}
	if got := b.History(); len(got) != 1 || got[0] != "https://a.test" {
		t.Fatalf("history = %v", got)
	}
}

func TestFileSystemWriteRead(t *testing.T) {
	fs := NewFileSystem()
	ctx := context.Background()

	if _, err := fs.Invoke(ctx, "write", map[string]string{"path": "out.json", "content": "{}"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	obs, err := fs.Invoke(ctx, "read", map[string]string{"path": "out.json"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if obs.Payload["content"] != "{}" {
		t.Fatalf("content = %q", obs.Payload["content"])
	}

	if _, err := fs.Invoke(ctx, "read", map[string]string{"path": "missing"}); !errors.Is(err, ErrActionFailure) {
		t.Fatalf("read missing = %v, want ErrActionFailure", err)
	}
}

func TestScriptedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScripted(nil)
	if _, err := s.Execute(ctx, action.Action{Name: "x.a"}); !errors.Is(err, ErrActionFailure) {
		t.Fatalf("canceled execute = %v, want ErrActionFailure", err)
	}
	if s.Calls("x.a") != 0 {
		t.Fatal("canceled call counted")
	}
}
