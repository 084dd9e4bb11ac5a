package discord

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/slofp/estella/internal/voice"
)

type tick struct {
	frames map[voice.SpeakerID][]int16
	silent []voice.SpeakerID
}

type recordingSink struct {
	mu       sync.Mutex
	present  []voice.SpeakerID
	departed []voice.SpeakerID
	ticks    []tick
}

func (r *recordingSink) OnSpeakerPresence(id voice.SpeakerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = append(r.present, id)
}

func (r *recordingSink) OnAudioTick(frames map[voice.SpeakerID][]int16, silent []voice.SpeakerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(silent, func(i, j int) bool { return silent[i] < silent[j] })
	r.ticks = append(r.ticks, tick{frames, silent})
}

func (r *recordingSink) OnSpeakerDeparture(id voice.SpeakerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.departed = append(r.departed, id)
}

func (r *recordingSink) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

// fakeDecoder emits one 20 ms stereo frame whose samples equal the first
// payload byte. A payload of 0xFF fails.
type fakeDecoder struct{}

func (fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if len(data) == 0 || data[0] == 0xFF {
		return 0, errors.New("corrupt")
	}
	for i := 0; i < frameSize*channels; i++ {
		pcm[i] = int16(data[0])
	}
	return frameSize, nil
}

func newTestBridge(sink Sink, allowed ...string) (*Bridge, *int) {
	made := 0
	b := NewBridge(sink, BridgeConfig{
		GuildID:      "g",
		ChannelID:    "vc",
		BotID:        "bot",
		AllowedUsers: allowed,
		NewDecoder: func() (Decoder, error) {
			made++
			return fakeDecoder{}, nil
		},
	})
	return b, &made
}

func TestHandleSpeakingUpdateMapsSSRC(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)

	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "test-user-1", SSRC: 12345, Speaking: true})
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "bot", SSRC: 1})

	b.mu.Lock()
	got := b.ssrcUser[12345]
	_, botMapped := b.ssrcUser[1]
	b.mu.Unlock()
	if got != "test-user-1" || botMapped {
		t.Fatalf("ssrc mapping: got=%q botMapped=%v", got, botMapped)
	}
	if len(sink.present) != 1 || sink.present[0] != "test-user-1" {
		t.Fatalf("presence = %v", sink.present)
	}
}

func TestBridgeTicks(t *testing.T) {
	sink := &recordingSink{}
	b, made := newTestBridge(sink)
	b.silenceTicks = 1
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "a", SSRC: 1})
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "b", SSRC: 2})

	b.ProcessPacket(1, []byte{7})
	b.ProcessPacket(1, []byte{8})
	b.ProcessPacket(1, []byte{0xFF})
	b.ProcessPacket(99, []byte{1})
	b.Flush()

	if len(sink.ticks) != 1 {
		t.Fatalf("ticks = %d", len(sink.ticks))
	}
	tk := sink.ticks[0]
	if got := tk.frames["a"]; len(got) != 2*frameSize*channels || got[0] != 7 || got[len(got)-1] != 8 {
		t.Fatalf("frames for a: len=%d", len(got))
	}
	if len(tk.silent) != 1 || tk.silent[0] != "b" {
		t.Fatalf("silent = %v", tk.silent)
	}
	if *made != 1 {
		t.Fatalf("decoders made = %d, want one per SSRC", *made)
	}

	b.Flush()
	if tk := sink.ticks[1]; len(tk.frames) != 0 || len(tk.silent) != 1 || tk.silent[0] != "a" {
		t.Fatalf("second tick = %+v, want only a newly silent", tk)
	}
	b.Flush()
	if len(sink.ticks) != 2 {
		t.Fatalf("silence reported again: %+v", sink.ticks[2:])
	}
}

// A single missing packet inside an utterance is jitter, not silence.
func TestBridgeCoversPacketGaps(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(sink, BridgeConfig{
		GuildID:      "g",
		ChannelID:    "vc",
		BotID:        "bot",
		NewDecoder:   func() (Decoder, error) { return fakeDecoder{}, nil },
		Tick:         20 * time.Millisecond,
		SilenceAfter: 100 * time.Millisecond,
	})
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "a", SSRC: 1})

	b.ProcessPacket(1, []byte{1})
	b.Flush()
	b.Flush()
	b.ProcessPacket(1, []byte{2})
	b.Flush()

	sink.mu.Lock()
	for i, tk := range sink.ticks {
		if len(tk.silent) != 0 {
			t.Fatalf("tick %d reported %v silent after a one-tick gap", i, tk.silent)
		}
	}
	if len(sink.ticks) != 2 {
		t.Fatalf("ticks = %d, want the two with audio", len(sink.ticks))
	}
	sink.mu.Unlock()

	for i := 0; i < 4; i++ {
		b.Flush()
	}
	if n := sink.tickCount(); n != 2 {
		t.Fatalf("silence reported before SilenceAfter: %d ticks", n)
	}
	b.Flush()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.ticks[len(sink.ticks)-1]
	if len(last.silent) != 1 || last.silent[0] != "a" {
		t.Fatalf("silence after five empty ticks = %+v", last)
	}
}

func TestBridgeAllowlist(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink, "a")
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "intruder", SSRC: 5})
	b.ProcessPacket(5, []byte{1})
	b.Flush()
	if len(sink.present) != 0 || len(sink.ticks) != 0 {
		t.Fatalf("non-allowed user reached the sink: %+v", sink)
	}
}

func TestBridgeVoiceStateDeparture(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "a", SSRC: 1})
	b.ProcessPacket(1, []byte{3})

	b.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "a"}})
	if len(sink.departed) != 0 {
		t.Fatalf("other guild caused a departure")
	}

	b.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "g", UserID: "a", ChannelID: ""}})
	if len(sink.departed) != 1 || sink.departed[0] != "a" {
		t.Fatalf("departed = %v", sink.departed)
	}
	b.ProcessPacket(1, []byte{3})
	b.Flush()
	if len(sink.ticks) != 0 {
		t.Fatalf("audio after departure was forwarded")
	}

	b.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "g", UserID: "c", ChannelID: "vc"}})
	if sink.present[len(sink.present)-1] != "c" {
		t.Fatalf("join not reported: %v", sink.present)
	}
	b.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "g", UserID: "c", ChannelID: "elsewhere"}})
	if sink.departed[len(sink.departed)-1] != "c" {
		t.Fatalf("move away not reported: %v", sink.departed)
	}
	b.HandleVoiceState(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "g", UserID: "never-here", ChannelID: ""}})
	if len(sink.departed) != 2 {
		t.Fatalf("unknown user departure reported: %v", sink.departed)
	}
}

func TestBridgeSeed(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	state := discordgo.NewState()
	if err := state.GuildAdd(&discordgo.Guild{ID: "g", VoiceStates: []*discordgo.VoiceState{
		{UserID: "a", ChannelID: "vc"},
		{UserID: "bot", ChannelID: "vc"},
		{UserID: "x", ChannelID: "other"},
	}}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	b.Seed(state)
	if len(sink.present) != 1 || sink.present[0] != "a" {
		t.Fatalf("seeded = %v", sink.present)
	}
}

// TestBridgeRunForwardsPackets mirrors the OpusRecv reader loop.
func TestBridgeRunForwardsPackets(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	b.cfg.Tick = 5 * time.Millisecond
	b.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "a", SSRC: 1})

	recv := make(chan *discordgo.Packet, 4)
	recv <- nil
	recv <- &discordgo.Packet{SSRC: 1, Opus: []byte{9}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx, recv)
	}()

	deadline := time.Now().Add(time.Second)
	for sink.tickCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(recv)
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var heard bool
	for _, tk := range sink.ticks {
		if len(tk.frames["a"]) > 0 {
			heard = true
		}
	}
	if !heard {
		t.Fatalf("packet never reached a tick")
	}
}
