package application

import (
	"context"
	"errors"
	"testing"

	"github.com/davarch/stage-watcher/internal/domain"
)

func TestSinks_DeliversToAllAndJoinsErrors(t *testing.T) {
	failing := &domain.MockSink{Err: errors.New("boom")}
	ok := &domain.MockSink{}

	err := Sinks{failing, nil, ok}.Handle(context.Background(), domain.Event{Kind: domain.EventDisconnected})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(ok.Events) != 1 || len(failing.Events) != 1 {
		t.Errorf("event not delivered to every sink")
	}
}
