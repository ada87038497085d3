package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name     string
	startErr error
	events   *[]string
}

func (f *fakeComponent) Start(ctx context.Context) error {
	*f.events = append(*f.events, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	*f.events = append(*f.events, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Name() string { return f.name }

func TestManagerStartOrder(t *testing.T) {
	var events []string
	store := &fakeComponent{name: "store", events: &events}
	api := &fakeComponent{name: "api", events: &events}
	reaper := &fakeComponent{name: "reaper", events: &events}

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(api, store))
	require.NoError(t, m.Register(reaper, store))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, "start:store", events[0])

	events = nil
	require.NoError(t, m.Stop(context.Background()))
	// stop order is reverse of start order
	assert.Equal(t, "stop:store", events[len(events)-1])
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var events []string
	store := &fakeComponent{name: "store", events: &events}
	api := &fakeComponent{name: "api", startErr: errors.New("bind failed"), events: &events}

	m := NewManager()
	require.NoError(t, m.Register(store))
	require.NoError(t, m.Register(api, store))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
	// store was started and then rolled back
	assert.Contains(t, events, "stop:store")
	assert.False(t, m.IsRunning(store))
}

func TestManagerRejectsUnknownDependency(t *testing.T) {
	var events []string
	a := &fakeComponent{name: "a", events: &events}
	b := &fakeComponent{name: "b", events: &events}

	m := NewManager()
	err := m.Register(a, b)
	require.Error(t, err)
}

func TestManagerRejectsDuplicate(t *testing.T) {
	var events []string
	a := &fakeComponent{name: "a", events: &events}

	m := NewManager()
	require.NoError(t, m.Register(a))
	require.Error(t, m.Register(a))
}
