package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	ttsmock "github.com/voxpipe/voxpipe/pkg/provider/tts/mock"
)

func TestTTSFallback_PrimaryServes(t *testing.T) {
	t.Parallel()
	want := &tts.Buffered{}
	primary := &ttsmock.Provider{Playable: want}
	backup := &ttsmock.Provider{Playable: &tts.Buffered{}}

	f := NewTTSFallback(primary, "coqui", FallbackConfig{})
	f.AddFallback("say", backup)
	must(t, f.Initialize(context.Background(), nil))

	got, err := f.Synthesize(context.Background(), "It is five.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tts.Playable(want) {
		t.Errorf("playable = %v, want the primary's", got)
	}
	if len(backup.SynthesizeCalls) != 0 {
		t.Errorf("backup synthesized %d times, want 0", len(backup.SynthesizeCalls))
	}
}

func TestTTSFallback_FailoverOnSynthesizeError(t *testing.T) {
	t.Parallel()
	want := &tts.Buffered{}
	primary := &ttsmock.Provider{SynthesizeErr: errTest}
	backup := &ttsmock.Provider{Playable: want}

	f := NewTTSFallback(primary, "coqui", FallbackConfig{})
	f.AddFallback("say", backup)
	must(t, f.Initialize(context.Background(), nil))

	got, err := f.Synthesize(context.Background(), "It is five.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tts.Playable(want) {
		t.Errorf("playable = %v, want the backup's", got)
	}
	if texts := backup.Texts(); len(texts) != 1 || texts[0] != "It is five." {
		t.Errorf("backup received %v, want the same sentence", texts)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Provider{SynthesizeErr: errTest}
	backup := &ttsmock.Provider{SynthesizeErr: errTest}

	f := NewTTSFallback(primary, "coqui", FallbackConfig{})
	f.AddFallback("say", backup)
	must(t, f.Initialize(context.Background(), nil))

	if _, err := f.Synthesize(context.Background(), "It is five."); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
