package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/gateway"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient("test-token", "acme", "widgets", zerolog.Nop()).WithBaseURL(server.URL)
}

func TestCreateIssue(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/repos/acme/widgets/issues" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", got)
		}
		var patch IssuePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if patch.Title == nil || *patch.Title != "[AUTO][task:tk-1] ship it" {
			t.Errorf("unexpected title: %v", patch.Title)
		}
		if patch.State != nil {
			t.Error("create should not carry a state field")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 42, Title: *patch.Title, State: "open"})
	}))

	issue, err := client.CreateIssue(context.Background(), IssuePatch{
		Title:  String("[AUTO][task:tk-1] ship it"),
		Body:   String("details"),
		Labels: Strings([]string{"priority:high"}),
	})
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	if issue.Number != 42 {
		t.Errorf("expected issue 42, got %d", issue.Number)
	}
}

func TestCloseIssueSendsStateReason(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		var patch IssuePatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		if patch.State == nil || *patch.State != "closed" {
			t.Errorf("expected state closed, got %v", patch.State)
		}
		if patch.StateReason == nil || *patch.StateReason != "not_planned" {
			t.Errorf("expected state_reason not_planned, got %v", patch.StateReason)
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 7, State: "closed", StateReason: "not_planned"})
	}))

	issue, err := client.CloseIssue(context.Background(), 7, "not_planned")
	if err != nil {
		t.Fatalf("CloseIssue failed: %v", err)
	}
	if issue.StateReason != "not_planned" {
		t.Errorf("unexpected state reason: %s", issue.StateReason)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}))

	_, err := client.GetIssue(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for missing issue")
	}
	if gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("expected not_found, got %s", gateway.KindOf(err))
	}
}

func TestRateLimitRetriesOnceThenSucceeds(t *testing.T) {
	var calls int
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Issue{Number: 1, State: "open"})
	}))

	issue, err := client.GetIssue(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if issue.Number != 1 {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRateLimitExhaustedSurfacesRetryAfter(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 403 with an exhausted budget is GitHub's other rate-limit shape.
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.GetIssue(context.Background(), 1)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected gateway error, got %T", err)
	}
	if ge.Kind != gateway.KindRateLimited {
		t.Errorf("expected rate_limited, got %s", ge.Kind)
	}
}

func TestListIssuesFollowsPaginationAndSkipsPRs(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode([]Issue{{Number: 3, State: "open"}})
			return
		}
		if got := r.URL.Query().Get("since"); got == "" {
			t.Error("expected since parameter on first page")
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widgets/issues?page=2>; rel="next"`, server.URL))
		_ = json.NewEncoder(w).Encode([]Issue{
			{Number: 1, State: "open"},
			{Number: 2, State: "open", PullRequest: &struct{}{}},
		})
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient("tok", "acme", "widgets", zerolog.Nop()).WithBaseURL(server.URL)

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	issues, err := client.ListIssues(context.Background(), ListOptions{Since: since})
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues after PR filtering, got %d", len(issues))
	}
	if issues[0].Number != 1 || issues[1].Number != 3 {
		t.Errorf("unexpected issue numbers: %d, %d", issues[0].Number, issues[1].Number)
	}
}

func TestFindIssueByTitlePrefix(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Issue{
			{Number: 10, Title: "unrelated work"},
			{Number: 11, Title: "[AUTO][task:tk-9] fix the flange"},
		})
	}))

	issue, err := client.FindIssueByTitlePrefix(context.Background(), "[AUTO][task:tk-9]")
	if err != nil {
		t.Fatalf("FindIssueByTitlePrefix failed: %v", err)
	}
	if issue == nil || issue.Number != 11 {
		t.Fatalf("expected issue 11, got %+v", issue)
	}

	missing, err := client.FindIssueByTitlePrefix(context.Background(), "[AUTO][task:tk-404]")
	if err != nil {
		t.Fatalf("FindIssueByTitlePrefix failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected no match, got %+v", missing)
	}
}
