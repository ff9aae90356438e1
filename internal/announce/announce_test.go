package announce

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/bridge"
	"relaybot/internal/dedup"
	"relaybot/internal/policy"
	logx "relaybot/pkg/logx"
)

type sentText struct {
	target string
	text   string
}

type sentImages struct {
	target string
	urls   []string
}

// fakeSender records sends and can fail selected targets.
type fakeSender struct {
	texts  []sentText
	images []sentImages
	fail   map[string]error
}

func (f *fakeSender) SendText(ctx context.Context, target, text string) error {
	if err := f.fail[target]; err != nil {
		return err
	}
	f.texts = append(f.texts, sentText{target, text})
	return nil
}

func (f *fakeSender) SendImages(ctx context.Context, target string, urls []string) error {
	if err := f.fail[target]; err != nil {
		return err
	}
	f.images = append(f.images, sentImages{target, urls})
	return nil
}

// fakePolicy allows everything unless configured otherwise.
type fakePolicy struct {
	safeMode bool
	denied   map[string]bool
}

func (p *fakePolicy) GloballyDisabled() bool { return p.safeMode }
func (p *fakePolicy) ChannelAllowed(roomID string, _ policy.Feature) bool {
	return !p.denied[roomID]
}

func newTestRouter(t *testing.T, routes []Route, sender *fakeSender, pol *fakePolicy) *Router {
	t.Helper()
	cache := dedup.New(time.Minute, time.Minute, logx.Nop())
	return NewRouter(Config{RatePerSec: 1000}, routes, cache, sender, pol, logx.Nop())
}

func msgEvent(id, room, text string) bridge.Event {
	return bridge.Event{
		RoomID:    room,
		MessageID: id,
		Kind:      bridge.EventMessage,
		Text:      text,
	}
}

func fastRoute(id, source string, targets ...string) Route {
	return Route{ID: id, Source: source, Targets: targets, IncludeImages: true, Delay: time.Millisecond}
}

func TestMirrorMarkerRoundTrip(t *testing.T) {
	t.Parallel()
	m := MirrorMarker("room-7")
	if !HasMirrorMarker("hello" + m) {
		t.Fatal("marker not detected in marked text")
	}
	if HasMirrorMarker("hello [MF:room-7] world") {
		t.Fatal("plain-text lookalike detected as marker")
	}
	if HasMirrorMarker("") {
		t.Fatal("empty text detected as marked")
	}
}

func TestMirrorEchoDropped(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{})

	ev := msgEvent("m1", "src", "echoed"+MirrorMarker("other"))
	if res := r.HandleMessage(context.Background(), ev); res != nil {
		t.Fatalf("echo produced results: %+v", res)
	}
	if len(sender.texts) != 0 {
		t.Fatalf("echo was re-mirrored: %+v", sender.texts)
	}
}

func TestSafeModeDropsEverything(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{safeMode: true})

	if res := r.HandleMessage(context.Background(), msgEvent("m1", "src", "hi")); res != nil {
		t.Fatalf("safe mode produced results: %+v", res)
	}
	if len(sender.texts) != 0 {
		t.Fatal("safe mode still delivered")
	}
}

func TestUnroutedRoomIgnored(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{})

	if res := r.HandleMessage(context.Background(), msgEvent("m1", "elsewhere", "hi")); res != nil {
		t.Fatalf("unrouted room produced results: %+v", res)
	}
}

func TestMissingMessageIDNotMirrored(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{})

	ev := msgEvent("", "src", "hi")
	if res := r.HandleMessage(context.Background(), ev); res != nil {
		t.Fatalf("id-less message produced results: %+v", res)
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{})
	ctx := context.Background()

	if res := r.HandleMessage(ctx, msgEvent("m1", "src", "hi")); len(res) != 1 {
		t.Fatalf("first delivery results: %+v", res)
	}
	if res := r.HandleMessage(ctx, msgEvent("m1", "src", "hi")); res != nil {
		t.Fatalf("duplicate delivery results: %+v", res)
	}
	if len(sender.texts) != 1 {
		t.Fatalf("duplicate message delivered twice: %+v", sender.texts)
	}
}

func TestSenderPrefixAndMarker(t *testing.T) {
	sender := &fakeSender{}
	rt := fastRoute("r1", "src", "dst")
	rt.IncludeSenderName = true
	r := newTestRouter(t, []Route{rt}, sender, &fakePolicy{})

	ev := msgEvent("m1", "src", "release at noon")
	ev.SenderName = "ops"
	r.HandleMessage(context.Background(), ev)

	if len(sender.texts) != 1 {
		t.Fatalf("got %d sends, want 1", len(sender.texts))
	}
	want := "[ops] release at noon" + MirrorMarker("src")
	if sender.texts[0].text != want {
		t.Fatalf("sent %q, want %q", sender.texts[0].text, want)
	}
	if sender.texts[0].target != "dst" {
		t.Fatalf("sent to %q, want dst", sender.texts[0].target)
	}
}

func TestOverlappingRoutesDeliverOnce(t *testing.T) {
	sender := &fakeSender{}
	routes := []Route{
		fastRoute("r1", "src", "shared", "only-r1"),
		fastRoute("r2", "src", "shared"),
	}
	r := newTestRouter(t, routes, sender, &fakePolicy{})

	res := r.HandleMessage(context.Background(), msgEvent("m1", "src", "hi"))
	if len(res) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(res), res)
	}
	if len(sender.texts) != 2 {
		t.Fatalf("shared target reached twice: %+v", sender.texts)
	}
	var skipped int
	for _, tr := range res {
		if tr.Skipped {
			skipped++
			if tr.RouteID != "r2" || tr.Target != "shared" {
				t.Fatalf("wrong result skipped: %+v", tr)
			}
		}
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
}

func TestPolicyDeniedTargetSkipped(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "blocked", "open")}, sender,
		&fakePolicy{denied: map[string]bool{"blocked": true}})

	res := r.HandleMessage(context.Background(), msgEvent("m1", "src", "hi"))
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2", len(res))
	}
	if !res[0].Skipped || res[0].Target != "blocked" {
		t.Fatalf("blocked target not skipped: %+v", res[0])
	}
	if len(sender.texts) != 1 || sender.texts[0].target != "open" {
		t.Fatalf("sends: %+v", sender.texts)
	}
}

func TestTargetFailureIsolated(t *testing.T) {
	boom := errors.New("boom")
	sender := &fakeSender{fail: map[string]error{"flaky": boom}}
	r := newTestRouter(t, []Route{fastRoute("r1", "src", "flaky", "stable")}, sender, &fakePolicy{})

	res := r.HandleMessage(context.Background(), msgEvent("m1", "src", "hi"))
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2", len(res))
	}
	if res[0].Err == nil || !errors.Is(res[0].Err, boom) {
		t.Fatalf("flaky target error: %v", res[0].Err)
	}
	if res[1].Err != nil {
		t.Fatalf("stable target failed: %v", res[1].Err)
	}
	if len(sender.texts) != 1 || sender.texts[0].target != "stable" {
		t.Fatalf("sends: %+v", sender.texts)
	}
}

func TestImagesFollowRouteFlag(t *testing.T) {
	ev := msgEvent("m1", "src", "caption")
	ev.Attachments = []bridge.Attachment{
		{Kind: bridge.AttachmentImage, URL: "https://cdn.example/a.png"},
	}

	t.Run("included", func(t *testing.T) {
		sender := &fakeSender{}
		r := newTestRouter(t, []Route{fastRoute("r1", "src", "dst")}, sender, &fakePolicy{})
		r.HandleMessage(context.Background(), ev)
		if len(sender.images) != 1 || sender.images[0].urls[0] != "https://cdn.example/a.png" {
			t.Fatalf("images: %+v", sender.images)
		}
	})

	t.Run("excluded", func(t *testing.T) {
		sender := &fakeSender{}
		rt := fastRoute("r1", "src", "dst")
		rt.IncludeImages = false
		r := newTestRouter(t, []Route{rt}, sender, &fakePolicy{})
		r.HandleMessage(context.Background(), ev)
		if len(sender.images) != 0 {
			t.Fatalf("images sent despite route flag: %+v", sender.images)
		}
		if len(sender.texts) != 1 {
			t.Fatalf("caption not sent: %+v", sender.texts)
		}
	})
}

func TestExtractContent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		ev          bridge.Event
		text        string
		images      []string
		unsupported bool
	}{
		{
			name: "alt text fallback",
			ev:   bridge.Event{AltText: "photo caption"},
			text: "photo caption",
		},
		{
			name: "image attachment",
			ev: bridge.Event{Text: "look", Attachments: []bridge.Attachment{
				{Kind: bridge.AttachmentImage, Images: []string{"u1", "u2", "u1"}},
			}},
			text:   "look",
			images: []string{"u1", "u2"},
		},
		{
			name: "untyped attachment passes image heuristics",
			ev: bridge.Event{Text: "x", Attachments: []bridge.Attachment{
				{URL: "https://k.kakaocdn.net/talkm/abc"},
				{URL: "https://example.com/doc.pdf"},
			}},
			text:   "x",
			images: []string{"https://k.kakaocdn.net/talkm/abc"},
		},
		{
			name: "video flagged unsupported",
			ev: bridge.Event{Text: "x", Attachments: []bridge.Attachment{
				{Kind: bridge.AttachmentVideo, URL: "https://cdn/v.mp4"},
			}},
			text:        "x",
			unsupported: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := extractContent(tc.ev)
			if c.text != tc.text {
				t.Errorf("text = %q, want %q", c.text, tc.text)
			}
			if len(c.images) != len(tc.images) {
				t.Fatalf("images = %v, want %v", c.images, tc.images)
			}
			for i := range tc.images {
				if c.images[i] != tc.images[i] {
					t.Errorf("images[%d] = %q, want %q", i, c.images[i], tc.images[i])
				}
			}
			if c.hasUnsupported != tc.unsupported {
				t.Errorf("hasUnsupported = %v, want %v", c.hasUnsupported, tc.unsupported)
			}
		})
	}
}

func TestIsImageURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url  string
		want bool
	}{
		{"https://x.com/a.jpg", true},
		{"https://x.com/a.JPEG?size=big", true},
		{"https://x.com/a.webp", true},
		{"https://x.com/image/12345", true},
		{"https://k.kakaocdn.net/anything", true},
		{"https://x.com/a.mp4", false},
		{"https://x.com/doc.pdf", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isImageURL(tc.url); got != tc.want {
			t.Errorf("isImageURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
