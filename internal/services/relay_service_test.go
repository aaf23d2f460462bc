package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-feedback-relay/internal/domain"
	"github.com/tbourn/go-feedback-relay/internal/identity"
	"github.com/tbourn/go-feedback-relay/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:relaysvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestCipher(t *testing.T) *identity.Cipher {
	t.Helper()
	key := make([]byte, identity.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return identity.NewCipher(hex.EncodeToString(key))
}

// fakeTransport records every boundary call and can be told to fail either
// direction, mirroring an unreachable channel or a submitter with closed DMs.
type fakeTransport struct {
	posts   []ChannelMessage
	dmTo    []string
	dmText  []string
	failDM  bool
	failPst bool
	nextID  int
}

func (f *fakeTransport) PostChannelMessage(_ context.Context, _ string, msg ChannelMessage) (string, error) {
	if f.failPst {
		return "", errors.New("channel unreachable")
	}
	f.posts = append(f.posts, msg)
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeTransport) SendDirectMessage(_ context.Context, to, content string) error {
	if f.failDM {
		return errors.New("dms closed")
	}
	f.dmTo = append(f.dmTo, to)
	f.dmText = append(f.dmText, content)
	return nil
}

func (f *fakeTransport) MessagePermalink(channelID, messageID string) string {
	return "https://chat.example/" + channelID + "/" + messageID
}

func newRelay(t *testing.T, tr Transport) *RelayService {
	t.Helper()
	return &RelayService{
		DB:        newTestDB(t),
		Cipher:    newTestCipher(t),
		Cache:     identity.NewCache(),
		Transport: tr,
		ChannelID: "mod-channel",
	}
}

func TestSubmit_WithConsent(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type:          domain.TypeServerFeedback,
		Content:       "Great event",
		ConsentAnswer: "Yes",
		SubmitterID:   "U1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.ConsentGranted || !res.Posted || res.FeedbackID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec, err := repo.GetFeedback(ctx, svc.DB, res.FeedbackID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if !rec.ConsentGranted {
		t.Fatalf("expected consent_granted=true")
	}
	want, _ := svc.Cipher.Encrypt("U1")
	if rec.EncryptedIdentity != want {
		t.Fatalf("encrypted identity mismatch: %q != %q", rec.EncryptedIdentity, want)
	}
	if rec.IdentityHash != identity.HashIdentity("U1") {
		t.Fatalf("identity hash mismatch")
	}
	if rec.RelayMessageID != "msg-1" {
		t.Fatalf("expected relay message id msg-1, got %q", rec.RelayMessageID)
	}

	if len(tr.posts) != 1 {
		t.Fatalf("expected exactly one channel post, got %d", len(tr.posts))
	}
	post := tr.posts[0]
	if post.ReplyAction == nil || post.ReplyAction.Kind != ReplyToFeedback {
		t.Fatalf("consenting submission must carry a reply affordance: %+v", post)
	}
	if post.Title != "New Server Feedback" {
		t.Fatalf("unexpected post title %q", post.Title)
	}
}

func TestSubmit_WithoutConsent(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type:          domain.TypePlayerReport,
		Content:       "Player X grief",
		ConsentAnswer: "n",
		SubmitterID:   "U2",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ConsentGranted {
		t.Fatalf("answer 'n' must not grant consent")
	}

	rec, _ := repo.GetFeedback(ctx, svc.DB, res.FeedbackID)
	if rec.EncryptedIdentity != "" {
		t.Fatalf("non-consenting record must not retain a reversible identity, got %q", rec.EncryptedIdentity)
	}
	if rec.IdentityHash == "" {
		t.Fatalf("identity hash must be populated regardless of consent")
	}
	if tr.posts[0].ReplyAction != nil {
		t.Fatalf("no reply affordance without consent")
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	svc := newRelay(t, &fakeTransport{})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitInput{Type: "rant", Content: "x", SubmitterID: "U"}); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitInput{Type: domain.TypeServerFeedback, Content: "   ", SubmitterID: "U"}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	svc.MaxContentRunes = 5
	if _, err := svc.Submit(ctx, SubmitInput{Type: domain.TypeServerFeedback, Content: "too long content", SubmitterID: "U"}); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestSubmit_ChannelPostFailureKeepsRecord(t *testing.T) {
	tr := &fakeTransport{failPst: true}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type:          domain.TypeServerFeedback,
		Content:       "hello",
		ConsentAnswer: "yes",
		SubmitterID:   "U1",
	})
	if err != nil {
		t.Fatalf("Submit must not fail on channel-post failure: %v", err)
	}
	if res.Posted {
		t.Fatalf("Posted must be false when the channel post failed")
	}
	if _, err := repo.GetFeedback(ctx, svc.DB, res.FeedbackID); err != nil {
		t.Fatalf("record must still be durable: %v", err)
	}
}

func TestRelayAdminReply_Delivered(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "Great event", ConsentAnswer: "Yes", SubmitterID: "U1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := svc.RelayAdminReply(ctx, res.FeedbackID, "Thanks!", "mod-7")
	if err != nil {
		t.Fatalf("RelayAdminReply: %v", err)
	}
	if status != StatusDelivered {
		t.Fatalf("expected delivered, got %q", status)
	}
	if len(tr.dmTo) != 1 || tr.dmTo[0] != "U1" {
		t.Fatalf("expected DM to U1, got %v", tr.dmTo)
	}
	if !strings.Contains(tr.dmText[0], "Thanks!") || !strings.Contains(tr.dmText[0], res.FeedbackID) {
		t.Fatalf("DM text missing reply or id: %q", tr.dmText[0])
	}

	// Audit row exists.
	var n int64
	svc.DB.Model(&domain.AdminReply{}).Where("feedback_id = ?", res.FeedbackID).Count(&n)
	if n != 1 {
		t.Fatalf("expected 1 reply row, got %d", n)
	}
}

func TestRelayAdminReply_OptedOut(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "meh", ConsentAnswer: "n", SubmitterID: "U2",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	postsBefore := len(tr.posts)

	status, err := svc.RelayAdminReply(ctx, res.FeedbackID, "ack", "mod-7")
	if err != nil {
		t.Fatalf("RelayAdminReply: %v", err)
	}
	if status != StatusOptedOut {
		t.Fatalf("expected opted_out, got %q", status)
	}
	if len(tr.dmTo) != 0 {
		t.Fatalf("no delivery may be attempted for opted-out records")
	}
	if len(tr.posts) != postsBefore {
		t.Fatalf("no channel echo for opted-out records on the plain admin-reply flow")
	}

	// Reply row still persisted (audit trail regardless of delivery).
	var n int64
	svc.DB.Model(&domain.AdminReply{}).Where("feedback_id = ?", res.FeedbackID).Count(&n)
	if n != 1 {
		t.Fatalf("expected reply row to be persisted, got %d", n)
	}
}

func TestRelayAdminReply_NotFound(t *testing.T) {
	svc := newRelay(t, &fakeTransport{})
	if _, err := svc.RelayAdminReply(context.Background(), "nope", "hi", "mod"); !errors.Is(err, ErrFeedbackNotFound) {
		t.Fatalf("expected ErrFeedbackNotFound, got %v", err)
	}
}

func TestRelayAdminReply_DeliveryFailure(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, _ := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "hi", ConsentAnswer: "y", SubmitterID: "U1",
	})

	tr.failDM = true
	status, err := svc.RelayAdminReply(ctx, res.FeedbackID, "hello there", "mod")
	if err != nil {
		t.Fatalf("delivery failure is an outcome, not an error: %v", err)
	}
	if status != StatusDeliveryFailed {
		t.Fatalf("expected delivery_failed, got %q", status)
	}

	// The reply row survived the failed delivery.
	var n int64
	svc.DB.Model(&domain.AdminReply{}).Where("feedback_id = ?", res.FeedbackID).Count(&n)
	if n != 1 {
		t.Fatalf("expected reply row despite failed delivery, got %d", n)
	}
}

func TestRelayAdminReply_UsesCacheAfterFirstDecrypt(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, _ := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "hi", ConsentAnswer: "y", SubmitterID: "U1",
	})

	// Simulate a process restart: cold cache, decrypt must repopulate it.
	svc.Cache = identity.NewCache()
	if _, err := svc.RelayAdminReply(ctx, res.FeedbackID, "one", "mod"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if got, ok := svc.Cache.Get(res.FeedbackID); !ok || got != "U1" {
		t.Fatalf("cache must be repopulated after decrypt, got %q %v", got, ok)
	}
	if _, err := svc.RelayAdminReply(ctx, res.FeedbackID, "two", "mod"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if len(tr.dmTo) != 2 || tr.dmTo[1] != "U1" {
		t.Fatalf("both replies must reach U1, got %v", tr.dmTo)
	}
}

func TestRelayAdminReplyToUserReply_EchoesEvenWhenOptedOut(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, _ := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "meh", ConsentAnswer: "no", SubmitterID: "U2",
	})
	postsBefore := len(tr.posts)

	status, err := svc.RelayAdminReplyToUserReply(ctx, res.FeedbackID, "noted", "mod")
	if err != nil {
		t.Fatalf("RelayAdminReplyToUserReply: %v", err)
	}
	if status != StatusOptedOut {
		t.Fatalf("expected opted_out, got %q", status)
	}
	if len(tr.posts) != postsBefore+1 {
		t.Fatalf("thread replies must always be echoed to the channel")
	}
	if !strings.Contains(tr.posts[len(tr.posts)-1].Body, "noted") {
		t.Fatalf("echo must contain the reply text: %q", tr.posts[len(tr.posts)-1].Body)
	}
}

func TestRelayUserReply_ResolvesMostRecentRecord(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	first, _ := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "first", ConsentAnswer: "y", SubmitterID: "U1",
	})
	// Records order by created_at; make sure the second one is strictly newer.
	svc.DB.Model(&domain.FeedbackRecord{}).Where("id = ?", first.FeedbackID).
		Update("created_at", time.Now().UTC().Add(-time.Hour))
	second, _ := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "second", ConsentAnswer: "y", SubmitterID: "U1",
	})

	out, err := svc.RelayUserReply(ctx, "U1", "follow-up")
	if err != nil {
		t.Fatalf("RelayUserReply: %v", err)
	}
	if out.FeedbackID != second.FeedbackID {
		t.Fatalf("expected reply to correlate with the most recent record %s, got %s", second.FeedbackID, out.FeedbackID)
	}

	post := tr.posts[len(tr.posts)-1]
	if post.ReplyAction == nil || post.ReplyAction.Kind != ReplyToUserReply {
		t.Fatalf("relayed user reply must carry a thread reply affordance: %+v", post)
	}
	if post.ReferenceLink == "" || !strings.Contains(post.ReferenceLink, "mod-channel") {
		t.Fatalf("expected permalink to the original post, got %q", post.ReferenceLink)
	}
}

func TestRelayUserReply_NoPriorFeedback(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)

	_, err := svc.RelayUserReply(context.Background(), "stranger", "hello?")
	if !errors.Is(err, ErrNoPriorFeedback) {
		t.Fatalf("expected ErrNoPriorFeedback, got %v", err)
	}
	if len(tr.posts) != 0 {
		t.Fatalf("nothing may be posted without a correlated record")
	}
}

func TestRelayUserReply_OptedOutSubmitterHasNoToken(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitInput{
		Type: domain.TypeServerFeedback, Content: "anon", ConsentAnswer: "no", SubmitterID: "U3",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.RelayUserReply(ctx, "U3", "me again"); !errors.Is(err, ErrNoPriorFeedback) {
		t.Fatalf("opted-out submitter must get ErrNoPriorFeedback, got %v", err)
	}
}

func TestListSubmitterHistory_RoundTrip(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := svc.Submit(ctx, SubmitInput{
			Type:          domain.TypeServerFeedback,
			Content:       fmt.Sprintf("entry %d", i),
			ConsentAnswer: "y",
			SubmitterID:   "U1",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		// Spread creation times so ordering is deterministic.
		svc.DB.Model(&domain.FeedbackRecord{}).Where("id = ?", res.FeedbackID).
			Update("created_at", time.Now().UTC().Add(time.Duration(i)*time.Second))
		ids = append(ids, res.FeedbackID)
	}
	if _, err := svc.RelayAdminReply(ctx, ids[0], "reply A", "mod"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if _, err := svc.RelayAdminReply(ctx, ids[0], "reply B", "mod"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	// History works without consent too: lookups go through the one-way hash.
	recs, total, err := svc.ListSubmitterHistory(ctx, "U1", 0, 50)
	if err != nil {
		t.Fatalf("ListSubmitterHistory: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Fatalf("expected 3 entries, got total=%d len=%d", total, len(recs))
	}
	for i, rec := range recs {
		if rec.ID != ids[i] {
			t.Fatalf("expected creation order, got %v", recs)
		}
	}
	if len(recs[0].Replies) != 2 || recs[0].Replies[0].ReplyContent != "reply A" {
		t.Fatalf("expected replies in creation order, got %+v", recs[0].Replies)
	}

	empty, total, err := svc.ListSubmitterHistory(ctx, "nobody", 0, 50)
	if err != nil || total != 0 || len(empty) != 0 {
		t.Fatalf("expected empty history, got %v %d %v", empty, total, err)
	}
}

func TestDeliverHistoryDigest(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitInput{
		Type:          domain.TypePlayerReport,
		Content:       "cheating in arena",
		ConsentAnswer: "yes",
		SubmitterID:   "U1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.RelayAdminReply(ctx, res.FeedbackID, "we banned them", "mod"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitInput{
		Type:          domain.TypeServerFeedback,
		Content:       "love the new map",
		ConsentAnswer: "no",
		SubmitterID:   "U1",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	dmsBefore := len(tr.dmText)
	n, err := svc.DeliverHistoryDigest(ctx, "U1")
	if err != nil {
		t.Fatalf("DeliverHistoryDigest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records in digest, got %d", n)
	}
	if len(tr.dmText) != dmsBefore+1 || tr.dmTo[len(tr.dmTo)-1] != "U1" {
		t.Fatalf("expected one digest DM to U1, got to=%v", tr.dmTo)
	}
	digest := tr.dmText[len(tr.dmText)-1]
	for _, want := range []string{"Your feedback history:", "cheating in arena", "love the new map", "we banned them", res.FeedbackID} {
		if !strings.Contains(digest, want) {
			t.Fatalf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestDeliverHistoryDigest_EmptyAndFailure(t *testing.T) {
	tr := &fakeTransport{}
	svc := newRelay(t, tr)
	ctx := context.Background()

	n, err := svc.DeliverHistoryDigest(ctx, "nobody")
	if err != nil {
		t.Fatalf("DeliverHistoryDigest: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 records, got %d", n)
	}
	if got := tr.dmText[len(tr.dmText)-1]; got != "You have no feedback on record." {
		t.Fatalf("unexpected empty digest: %q", got)
	}

	tr.failDM = true
	if _, err := svc.DeliverHistoryDigest(ctx, "nobody"); err == nil {
		t.Fatalf("expected error when the DM cannot be sent")
	}
}
