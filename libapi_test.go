package natsflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/internal/runtime/bus/membus"
)

type order struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

type receipt struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func TestHelpersRequireService(t *testing.T) {
	err := ListenJSON(nil, JSONListener[order, receipt]{})
	assert.ErrorIs(t, err, ErrServiceRequired)

	assert.ErrorIs(t, PublishJSON(context.Background(), nil, "x", 1), ErrServiceRequired)

	_, err = RequestJSON[receipt](context.Background(), nil, "x", 1, time.Second)
	assert.ErrorIs(t, err, ErrServiceRequired)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	server := membus.NewServer()
	t.Cleanup(server.Shutdown)

	svc, err := NewService(&Config{RequestTimeout: time.Second}, NopLogger(), ServiceDependencies{
		Dialer:     server.Dialer(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return svc
}

func run(t *testing.T, svc *Service) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(context.Background()) }()
	select {
	case <-svc.Running():
	case err := <-errCh:
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		<-errCh
	})
}

func TestJSONRoundTrip(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, ListenJSON(svc, JSONListener[order, receipt]{
		Subjects: []string{"orders.price"},
		Validator: func(o order) error {
			if o.ID == "" {
				return errors.New("id is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, in order, msg *Message) (receipt, error) {
			return receipt{ID: in.ID, Total: in.Items * 10}, nil
		},
	}))
	run(t, svc)

	got, err := RequestJSON[receipt](context.Background(), svc, "orders.price", order{ID: "o-1", Items: 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, receipt{ID: "o-1", Total: 30}, got)

	failure, err := RequestJSON[FailureReply](context.Background(), svc, "orders.price", order{Items: 3}, 0)
	require.NoError(t, err)
	assert.False(t, failure.Success)
	assert.Contains(t, failure.Error, "id is required")
}

func TestPublishJSONRejectsUnencodableValues(t *testing.T) {
	svc := newTestService(t)
	run(t, svc)

	err := PublishJSON(context.Background(), svc, "events", make(chan int))
	assert.ErrorIs(t, err, ErrDataType)
}
