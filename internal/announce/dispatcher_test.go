package announce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"qms/mpp-desk/internal/models"

	"github.com/stretchr/testify/require"
)

var bpCounter = models.Counter{ID: "c1", Name: "BPJS", Code: "BP-001"}

func TestFormatQueueNumber(t *testing.T) {
	require.Equal(t, "BP-01-007", FormatQueueNumber("BP-01-20240115-007"))
	require.Equal(t, "A-12", FormatQueueNumber("A-12"))
}

func TestText(t *testing.T) {
	got := Text("BP-01-20240115-007", "BPJS", "BP-001")
	require.Equal(t, "Nomor antrian BP-01-007, silakan menuju loket BP-001, layanan BPJS", got)
}

type recordingSpeaker struct {
	said []Utterance
}

func (r *recordingSpeaker) Speak(ctx context.Context, u Utterance) error {
	r.said = append(r.said, u)
	return nil
}

type panicSpeaker struct{}

func (panicSpeaker) Speak(ctx context.Context, u Utterance) error {
	panic("audio device gone")
}

func TestAnnounceSpeaks(t *testing.T) {
	speaker := &recordingSpeaker{}
	d := NewDispatcher(speaker, nil, nil)
	d.Announce(context.Background(), models.Ticket{QueueNumber: "BP-01-20240115-007"}, bpCounter)

	require.Len(t, speaker.said, 1)
	require.Equal(t, "id-ID", speaker.said[0].Language)
	latest, ok := d.Notices().Latest()
	require.True(t, ok)
	require.True(t, latest.Spoken)
	require.Equal(t, "BP-01-007", latest.Display)
}

func TestAnnounceFallsBackToText(t *testing.T) {
	cases := []struct {
		name    string
		speaker Speaker
	}{
		{"missing", nil},
		{"failing", failSpeaker{}},
		{"panicking", panicSpeaker{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(tc.speaker, NewNotices(2), nil)
			d.Announce(context.Background(), models.Ticket{QueueNumber: "BP-01-20240115-007"}, bpCounter)
			latest, ok := d.Notices().Latest()
			require.True(t, ok)
			require.False(t, latest.Spoken)
			require.Contains(t, latest.Text, "BP-01-007")
		})
	}
}

func TestNoticesKeepsNewestWithinLimit(t *testing.T) {
	n := NewNotices(2)
	n.Push(Announcement{Display: "A"})
	n.Push(Announcement{Display: "B"})
	n.Push(Announcement{Display: "C"})
	list := n.List()
	require.Len(t, list, 2)
	require.Equal(t, "C", list[0].Display)
	require.Equal(t, "B", list[1].Display)
	n.Clear()
	_, ok := n.Latest()
	require.False(t, ok)
}

func TestWebhookSpeaker(t *testing.T) {
	var got Utterance
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tts-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	speaker := NewSpeaker("webhook", srv.URL, "tts-token", nil)
	require.NoError(t, speaker.Speak(context.Background(), Utterance{Text: "halo", Language: "id-ID"}))
	require.Equal(t, "halo", got.Text)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	require.Error(t, NewSpeaker(failing.URL, "", "", nil).Speak(context.Background(), Utterance{Text: "halo"}))
}

func TestNewSpeakerKinds(t *testing.T) {
	require.Nil(t, NewSpeaker("", "", "", nil))
	require.IsType(t, noopSpeaker{}, NewSpeaker("noop", "", "", nil))
	require.IsType(t, failSpeaker{}, NewSpeaker("fail", "", "", nil))
	require.IsType(t, logSpeaker{}, NewSpeaker("webhook", "", "", nil))
	require.IsType(t, logSpeaker{}, NewSpeaker("unknown", "", "", nil))
}
