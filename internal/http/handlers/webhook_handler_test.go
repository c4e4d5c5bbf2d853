package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-relay-backend/internal/repo"
)

const testSecret = "hook-secret"

func newWebhookEngine(t *testing.T, fx *apiFixture) *gin.Engine {
	t.Helper()
	r := gin.New()
	h := NewWebhook(fx.db, fx.router, fx.verify, testSecret, time.Hour)
	r.POST("/webhook", h.Handle)
	return r
}

func postUpdate(t *testing.T, r *gin.Engine, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func privateUpdate(updateID, userID, msgID int64, text string) gin.H {
	return gin.H{
		"update_id": updateID,
		"message": gin.H{
			"message_id": msgID,
			"from":       gin.H{"id": userID, "first_name": "alice"},
			"chat":       gin.H{"id": userID, "type": "private"},
			"text":       text,
		},
	}
}

func statusOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body["status"]
}

func markVerified(t *testing.T, fx *apiFixture, userID string) {
	t.Helper()
	if err := fx.redisSrv.Set("verify:ok:"+userID, "1"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)

	w := postUpdate(t, r, "wrong", privateUpdate(1, 10, 1, "hi"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	w = postUpdate(t, r, "", privateUpdate(1, 10, 1, "hi"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d, want 401", w.Code)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString("{not json"))
	req.Header.Set(secretHeader, testSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_IgnoresNonPrivateAndBots(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)

	cases := []gin.H{
		{"update_id": int64(1)}, // no message at all
		{"update_id": int64(2), "message": gin.H{
			"message_id": 5,
			"from":       gin.H{"id": 10, "first_name": "a"},
			"chat":       gin.H{"id": -100, "type": "supergroup"},
		}},
		{"update_id": int64(3), "message": gin.H{
			"message_id": 6,
			"from":       gin.H{"id": 11, "is_bot": true},
			"chat":       gin.H{"id": 11, "type": "private"},
		}},
	}
	for i, upd := range cases {
		w := postUpdate(t, r, testSecret, upd)
		if w.Code != http.StatusOK {
			t.Fatalf("case %d: status = %d, want 200", i, w.Code)
		}
		if got := statusOf(t, w); got != "ignored" {
			t.Fatalf("case %d: status field = %q, want ignored", i, got)
		}
	}
	if fx.fp.copyCount() != 0 {
		t.Fatalf("ignored updates reached the relay")
	}
}

func TestWebhook_ForwardsVerifiedUser(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	w := postUpdate(t, r, testSecret, privateUpdate(100, 10, 1, "hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := statusOf(t, w); got != "forwarded" {
		t.Fatalf("status field = %q, want forwarded", got)
	}
	if fx.fp.copyCount() != 1 {
		t.Fatalf("copies = %d, want 1", fx.fp.copyCount())
	}

	b, err := repo.GetBinding(context.Background(), fx.db, "10")
	if err != nil {
		t.Fatalf("binding after forward: %v", err)
	}
	if !b.Bound() {
		t.Fatalf("binding not bound: %+v", b)
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	upd := privateUpdate(200, 10, 1, "hello")
	if w := postUpdate(t, r, testSecret, upd); statusOf(t, w) != "forwarded" {
		t.Fatalf("first delivery not forwarded: %s", w.Body.String())
	}

	w := postUpdate(t, r, testSecret, upd)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", w.Code)
	}
	if got := statusOf(t, w); got != "duplicate" {
		t.Fatalf("replay status field = %q, want duplicate", got)
	}
	if fx.fp.copyCount() != 1 {
		t.Fatalf("duplicate delivery was forwarded again: copies = %d", fx.fp.copyCount())
	}
}

func TestWebhook_ChallengeFlow(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)

	// First contact from an unverified user queues and issues a challenge.
	w := postUpdate(t, r, testSecret, privateUpdate(300, 10, 1, "hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("queue status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := statusOf(t, w); got != "queued" {
		t.Fatalf("queue status field = %q, want queued", got)
	}
	pending, err := repo.ListPending(context.Background(), fx.db, "10")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v (err %v), want 1 row", pending, err)
	}
	answer, err := fx.redisSrv.Get("verify:challenge:10")
	if err != nil {
		t.Fatalf("no challenge issued: %v", err)
	}

	// Wrong answer burns an attempt. The arithmetic answer is never above
	// two digits, so 999 is safely wrong.
	w = postUpdate(t, r, testSecret, privateUpdate(301, 10, 2, "999"))
	if got := statusOf(t, w); got != "challenge_failed" {
		t.Fatalf("wrong answer status = %q, want challenge_failed", got)
	}

	// Correct answer verifies and replays the pending message.
	w = postUpdate(t, r, testSecret, privateUpdate(302, 10, 3, answer))
	if got := statusOf(t, w); got != "verified" {
		t.Fatalf("correct answer status = %q, want verified (body %s)", got, w.Body.String())
	}
	if fx.fp.copyCount() != 1 {
		t.Fatalf("replayed copies = %d, want 1", fx.fp.copyCount())
	}
	pending, err = repo.ListPending(context.Background(), fx.db, "10")
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending after verification = %v (err %v), want empty", pending, err)
	}
}

func TestWebhook_ChallengeExhausted(t *testing.T) {
	fx := newAPIFixture(t)
	fx.verify.MaxAttempts = 2
	r := newWebhookEngine(t, fx)

	postUpdate(t, r, testSecret, privateUpdate(400, 10, 1, "hello"))
	for i := 0; i < 2; i++ {
		w := postUpdate(t, r, testSecret, privateUpdate(int64(401+i), 10, int64(2+i), "999"))
		want := "challenge_failed"
		if i == 1 {
			want = "challenge_exhausted"
		}
		if got := statusOf(t, w); got != want {
			t.Fatalf("attempt %d status = %q, want %q", i, got, want)
		}
	}
	if fx.fp.copyCount() != 0 {
		t.Fatalf("exhausted challenge replayed messages: copies = %d", fx.fp.copyCount())
	}
}

// TestWebhook_NewChallengeAfterExhaustion covers the recovery path out of a
// spent attempt budget: the user's next message must queue and receive a
// fresh, solvable challenge rather than leave the account stranded.
func TestWebhook_NewChallengeAfterExhaustion(t *testing.T) {
	fx := newAPIFixture(t)
	fx.verify.MaxAttempts = 2
	r := newWebhookEngine(t, fx)
	ctx := context.Background()

	postUpdate(t, r, testSecret, privateUpdate(900, 10, 1, "hello"))
	for i := 0; i < 2; i++ {
		postUpdate(t, r, testSecret, privateUpdate(int64(901+i), 10, int64(2+i), "999"))
	}
	if fx.redisSrv.Exists("verify:challenge:10") {
		t.Fatalf("exhausted challenge should be gone")
	}

	// Next message queues and triggers a replacement challenge.
	w := postUpdate(t, r, testSecret, privateUpdate(903, 10, 4, "are you there?"))
	if got := statusOf(t, w); got != "queued" {
		t.Fatalf("post-exhaustion status = %q, want queued", got)
	}
	pending, err := repo.ListPending(ctx, fx.db, "10")
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = %v (err %v), want 2 rows", pending, err)
	}
	answer, err := fx.redisSrv.Get("verify:challenge:10")
	if err != nil {
		t.Fatalf("no replacement challenge issued: %v", err)
	}

	// The replacement challenge is solvable and replays everything queued.
	w = postUpdate(t, r, testSecret, privateUpdate(904, 10, 5, answer))
	if got := statusOf(t, w); got != "verified" {
		t.Fatalf("replacement answer status = %q, want verified (body %s)", got, w.Body.String())
	}
	if fx.fp.copyCount() != 2 {
		t.Fatalf("replayed copies = %d, want 2", fx.fp.copyCount())
	}
}

// TestWebhook_NonAnswerTextQueuesDuringChallenge: ordinary conversation sent
// while a challenge is outstanding is relayed into the pending set, not
// graded, and burns no attempts.
func TestWebhook_NonAnswerTextQueuesDuringChallenge(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	ctx := context.Background()

	postUpdate(t, r, testSecret, privateUpdate(950, 10, 1, "hello"))
	attempts, err := fx.redisSrv.Get("verify:attempts:10")
	if err != nil {
		t.Fatalf("attempt budget not stored: %v", err)
	}

	w := postUpdate(t, r, testSecret, privateUpdate(951, 10, 2, "see you at the office tomorrow?"))
	if got := statusOf(t, w); got != "queued" {
		t.Fatalf("conversational text status = %q, want queued", got)
	}

	if got, _ := fx.redisSrv.Get("verify:attempts:10"); got != attempts {
		t.Fatalf("attempt budget changed from %s to %s on a non-answer", attempts, got)
	}
	pending, err := repo.ListPending(ctx, fx.db, "10")
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = %v (err %v), want 2 rows", pending, err)
	}
}

func TestWebhook_RateLimitedAcksTerminally(t *testing.T) {
	fx := newAPIFixture(t)
	fx.router.MessageLimit = 1
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	if w := postUpdate(t, r, testSecret, privateUpdate(500, 10, 1, "one")); statusOf(t, w) != "forwarded" {
		t.Fatalf("first message not forwarded: %s", w.Body.String())
	}
	w := postUpdate(t, r, testSecret, privateUpdate(501, 10, 2, "two"))
	if w.Code != http.StatusOK {
		t.Fatalf("limited status = %d, want 200", w.Code)
	}
	if got := statusOf(t, w); got != "rate_limited" {
		t.Fatalf("limited status field = %q, want rate_limited", got)
	}

	// Terminal ack: a redelivery of the limited update is a duplicate, the
	// platform must not keep retrying it.
	if w := postUpdate(t, r, testSecret, privateUpdate(501, 10, 2, "two")); statusOf(t, w) != "duplicate" {
		t.Fatalf("limited redelivery = %s, want duplicate", w.Body.String())
	}
}

func TestWebhook_ClosedTopicAcksTerminally(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	if w := postUpdate(t, r, testSecret, privateUpdate(600, 10, 1, "one")); statusOf(t, w) != "forwarded" {
		t.Fatalf("first message not forwarded: %s", w.Body.String())
	}
	if err := fx.router.CloseTopic(context.Background(), "10"); err != nil {
		t.Fatalf("close topic: %v", err)
	}

	w := postUpdate(t, r, testSecret, privateUpdate(601, 10, 2, "two"))
	if w.Code != http.StatusOK {
		t.Fatalf("closed status = %d, want 200", w.Code)
	}
	if got := statusOf(t, w); got != "topic_closed" {
		t.Fatalf("closed status field = %q, want topic_closed", got)
	}
}

func TestLooksLikeAnswer(t *testing.T) {
	yes := []string{"7", "12", "-3", "0"}
	for _, s := range yes {
		if !looksLikeAnswer(s) {
			t.Fatalf("%q should be graded as an answer", s)
		}
	}
	no := []string{"", "hello", "7 apples", "12.5", "one"}
	for _, s := range no {
		if looksLikeAnswer(s) {
			t.Fatalf("%q should flow to the relay, not the grader", s)
		}
	}
}

func TestWebhook_DisplayName(t *testing.T) {
	cases := []struct {
		in   updateUser
		want string
	}{
		{updateUser{ID: 1, FirstName: "Alice", LastName: "Example"}, "Alice Example"},
		{updateUser{ID: 2, FirstName: "  Bob  "}, "Bob"},
		{updateUser{ID: 3, Username: "carol"}, "@carol"},
		{updateUser{ID: 4}, "user 4"},
	}
	for _, tc := range cases {
		if got := displayName(&tc.in); got != tc.want {
			t.Fatalf("displayName(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWebhook_FailedForwardAllowsRedelivery(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	// Sever the store so the forward fails before any terminal outcome.
	sqlDB, err := fx.db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	w := postUpdate(t, r, testSecret, privateUpdate(700, 10, 1, "hello"))
	if w.Code < 500 {
		t.Fatalf("status = %d, want 5xx so the platform redelivers (body %s)", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Code == "" {
		t.Fatalf("error envelope missing code: %s", w.Body.String())
	}
}

// TestWebhook_DuplicateIDScope exercises the update-id keying: distinct ids
// from the same user are always processed.
func TestWebhook_DuplicateIDScope(t *testing.T) {
	fx := newAPIFixture(t)
	r := newWebhookEngine(t, fx)
	markVerified(t, fx, "10")

	for i := 0; i < 3; i++ {
		w := postUpdate(t, r, testSecret, privateUpdate(int64(800+i), 10, int64(1+i), fmt.Sprintf("msg %d", i)))
		if got := statusOf(t, w); got != "forwarded" {
			t.Fatalf("update %d = %q, want forwarded", i, got)
		}
	}
	if fx.fp.copyCount() != 3 {
		t.Fatalf("copies = %d, want 3", fx.fp.copyCount())
	}
}
