package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentcore/internal/events"
)

func TestDoSuccess(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3

	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt/call, got attempts=%d calls=%d", result.Attempts, calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("expected eventual success, got %v", result.Err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	calls := 0
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(errors.New("fatal"))
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a permanent error, got %d", calls)
	}
	if !IsPermanent(result.Err) {
		t.Fatalf("expected result error to be permanent, got %v", result.Err)
	}
}

func TestDoWithValueReturnsValue(t *testing.T) {
	value, result := DoWithValue(context.Background(), DefaultConfig(), func() (int, error) {
		return 42, nil
	})
	if result.Err != nil || value != 42 {
		t.Fatalf("expected value 42 with no error, got value=%d err=%v", value, result.Err)
	}
}

func TestClassifyErrorRateLimit(t *testing.T) {
	c := ClassifyError("received 429 Too Many Requests")
	if !c.Retryable || !c.IsRateLimit {
		t.Fatalf("expected retryable rate-limit classification, got %+v", c)
	}
}

func TestClassifyErrorOverload(t *testing.T) {
	c := ClassifyError("the model is overloaded, please retry")
	if !c.Retryable || c.IsRateLimit {
		t.Fatalf("expected retryable non-rate-limit classification, got %+v", c)
	}
}

func TestClassifyErrorNotRetryable(t *testing.T) {
	c := ClassifyError("invalid request: missing field 'model'")
	if c.Retryable {
		t.Fatalf("expected non-retryable classification, got %+v", c)
	}
}

func TestClassifyErrorExtractsAPIDelaySeconds(t *testing.T) {
	c := ClassifyError("429 rate limited, retry in 2.5s")
	if !c.HasAPIDelay || c.APIDelay != 2.5 {
		t.Fatalf("expected API delay 2.5s, got %+v", c)
	}
}

func TestClassifyErrorExtractsAPIDelayMillis(t *testing.T) {
	c := ClassifyError("429 rate limited, retry in 500ms")
	if !c.HasAPIDelay || c.APIDelay != 0.5 {
		t.Fatalf("expected API delay 0.5s from 500ms, got %+v", c)
	}
}

func TestCalculateDelayRateLimitSeriesProgressesWithAttempt(t *testing.T) {
	h := NewHandler(5)
	c := Classification{Retryable: true, IsRateLimit: true}
	if d := h.CalculateDelay(1, c); d != 2 {
		t.Fatalf("expected first rate-limit delay 2s, got %v", d)
	}
	if d := h.CalculateDelay(5, c); d != 60 {
		t.Fatalf("expected fifth rate-limit delay 60s, got %v", d)
	}
	if d := h.CalculateDelay(99, c); d != 60 {
		t.Fatalf("expected delay to clamp at series tail, got %v", d)
	}
}

func TestCalculateDelayAPIDelayAddsToleranceBuffer(t *testing.T) {
	h := NewHandler(5)
	c := Classification{Retryable: true, IsRateLimit: true, HasAPIDelay: true, APIDelay: 3}
	if d := h.CalculateDelay(1, c); d != 4.5 {
		t.Fatalf("expected API delay 3s + 1.5s tolerance = 4.5s, got %v", d)
	}
}

func TestCalculateDelayOverloadSeries(t *testing.T) {
	h := NewHandler(5)
	c := Classification{Retryable: true}
	if d := h.CalculateDelay(1, c); d != 1 {
		t.Fatalf("expected first overload delay 1s, got %v", d)
	}
	if d := h.CalculateDelay(4, c); d != 8 {
		t.Fatalf("expected fourth overload delay 8s, got %v", d)
	}
}

func TestShouldRetryGivesUpAtMaxRetries(t *testing.T) {
	h := NewHandler(3)
	retry, _ := h.ShouldRetry("503 service unavailable", 3, "claude-3")
	if retry {
		t.Fatal("expected ShouldRetry to give up once attempt reaches MaxRetries")
	}
}

func TestShouldRetryEmitsModelRetryEventWithTruncatedPreview(t *testing.T) {
	pub := &events.Publisher{}
	h := NewHandler(5)
	h.Events = pub

	ch, unsub := pub.Subscribe()
	defer unsub()

	longMessage := "503 service unavailable: " + stringsRepeat("x", 300)
	retry, delay := h.ShouldRetry(longMessage, 1, "claude-3")
	if !retry || delay != 2 {
		t.Fatalf("expected retry with 2s delay, got retry=%v delay=%v", retry, delay)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindModelRetry {
			t.Fatalf("expected model_retry event, got %v", ev.Kind)
		}
		if len([]rune(ev.Retry.ErrorPreview)) != 200 {
			t.Fatalf("expected error preview truncated to 200 runes, got %d", len([]rune(ev.Retry.ErrorPreview)))
		}
		if ev.Retry.Attempt != 2 || ev.Retry.MaxAttempts != 5 {
			t.Fatalf("unexpected retry event fields: %+v", ev.Retry)
		}
	default:
		t.Fatal("expected a published model_retry event")
	}
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
