package executor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/amicull/pkg/image"
)

// mockMutator records every call in order.
type mockMutator struct {
	calls    []string
	failOn   map[string]error
	failures int
}

func (m *mockMutator) DeregisterImage(_ context.Context, id string) error {
	m.calls = append(m.calls, "deregister:"+id)
	if err, ok := m.failOn[id]; ok {
		m.failures++
		return err
	}
	return nil
}

func (m *mockMutator) DeleteSnapshot(_ context.Context, id string) error {
	m.calls = append(m.calls, "delete:"+id)
	if err, ok := m.failOn[id]; ok {
		m.failures++
		return err
	}
	return nil
}

type mockRecorder struct {
	events []string
}

func (m *mockRecorder) RecordMutation(_ context.Context, kind string, status Status) {
	m.events = append(m.events, kind+":"+string(status))
}

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testImages() []image.Image {
	return []image.Image{
		{ID: "ami-1", CreatedAt: created},
		{ID: "ami-2", CreatedAt: created.Add(time.Hour)},
	}
}

func testSnapshots() []image.Snapshot {
	return []image.Snapshot{
		{ID: "snap-1", ImageID: "ami-1", StartTime: created},
		{ID: "snap-2", ImageID: "ami-2", StartTime: created.Add(time.Hour)},
		{ID: "snap-3", ImageID: "ami-2"},
	}
}

const expectedReport = `images:
---
ami-1 | 2024-03-01T12:00:00Z
ami-2 | 2024-03-01T13:00:00Z

snapshots:
---
snap-1 | 2024-03-01T12:00:00Z
snap-2 | 2024-03-01T13:00:00Z
snap-3 | unknown
`

func TestParseAction(t *testing.T) {
	a, err := ParseAction("list")
	require.NoError(t, err)
	assert.Equal(t, ActionList, a)

	a, err = ParseAction("delete")
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, a)

	_, err = ParseAction("purge")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.Contains(t, err.Error(), "purge")

	_, err = ParseAction("")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestExecute_List(t *testing.T) {
	var out bytes.Buffer
	mutator := &mockMutator{}

	result, err := New(&out, mutator, Options{}).Execute(context.Background(), testImages(), testSnapshots(), ActionList)

	require.NoError(t, err)
	assert.Equal(t, expectedReport, out.String())
	assert.Empty(t, mutator.calls)
	assert.Equal(t, 2, result.Images)
	assert.Equal(t, 3, result.Snapshots)
	assert.Equal(t, 0, result.Deregistered)
	assert.Len(t, result.Items, 5)
	for _, item := range result.Items {
		assert.Equal(t, StatusListed, item.Status)
	}
}

func TestExecute_ListWithoutMutator(t *testing.T) {
	var out bytes.Buffer

	_, err := New(&out, nil, Options{}).Execute(context.Background(), testImages(), nil, ActionList)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "ami-1 | 2024-03-01T12:00:00Z")
}

func TestExecute_DeleteWithoutMutator(t *testing.T) {
	_, err := New(&bytes.Buffer{}, nil, Options{}).Execute(context.Background(), testImages(), nil, ActionDelete)
	require.Error(t, err)
}

func TestExecute_InvalidAction(t *testing.T) {
	var out bytes.Buffer
	mutator := &mockMutator{}

	_, err := New(&out, mutator, Options{}).Execute(context.Background(), testImages(), testSnapshots(), Action("purge"))

	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.Empty(t, out.String())
	assert.Empty(t, mutator.calls)
}

func TestExecute_DeleteOrdersImagesBeforeSnapshots(t *testing.T) {
	var out bytes.Buffer
	mutator := &mockMutator{}
	recorder := &mockRecorder{}

	result, err := New(&out, mutator, Options{}).WithRecorder(recorder).
		Execute(context.Background(), testImages(), testSnapshots(), ActionDelete)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"deregister:ami-1",
		"deregister:ami-2",
		"delete:snap-1",
		"delete:snap-2",
		"delete:snap-3",
	}, mutator.calls)
	assert.Equal(t, expectedReport, out.String())
	assert.Equal(t, 2, result.Deregistered)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 0, result.Failed)
	assert.Len(t, recorder.events, 5)
	assert.Equal(t, "image:success", recorder.events[0])
}

func TestExecute_DeleteFailFast(t *testing.T) {
	var out bytes.Buffer
	mutator := &mockMutator{failOn: map[string]error{"ami-1": errors.New("InvalidAMIID.Unavailable")}}

	result, err := New(&out, mutator, Options{}).Execute(context.Background(), testImages(), testSnapshots(), ActionDelete)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "deregister image ami-1")
	assert.Contains(t, err.Error(), "InvalidAMIID.Unavailable")
	assert.Equal(t, []string{"deregister:ami-1"}, mutator.calls)
	// Progress up to the failure is reported.
	assert.Equal(t, "images:\n---\nami-1 | 2024-03-01T12:00:00Z\n", out.String())
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Failed)
}

func TestExecute_DeleteFailFastOnSnapshot(t *testing.T) {
	mutator := &mockMutator{failOn: map[string]error{"snap-2": errors.New("InvalidSnapshot.InUse")}}

	result, err := New(&bytes.Buffer{}, mutator, Options{}).Execute(context.Background(), testImages(), testSnapshots(), ActionDelete)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete snapshot snap-2")
	assert.NotContains(t, mutator.calls, "delete:snap-3")
	assert.Equal(t, 2, result.Deregistered)
	assert.Equal(t, 1, result.Deleted)
}

func TestExecute_ContinueOnFailureSkipsOwnedSnapshots(t *testing.T) {
	var out bytes.Buffer
	mutator := &mockMutator{failOn: map[string]error{"ami-2": errors.New("denied")}}

	result, err := New(&out, mutator, Options{ContinueOnFailure: true}).
		Execute(context.Background(), testImages(), testSnapshots(), ActionDelete)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, []string{
		"deregister:ami-1",
		"deregister:ami-2",
		"delete:snap-1",
	}, mutator.calls)
	assert.Equal(t, 1, result.Deregistered)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "ami-2", failures[0].ID)
	assert.Equal(t, "denied", failures[0].Error)

	assert.Len(t, result.Problems(), 3)
	assert.Equal(t, expectedReport+`
failures:
---
image ami-2 | failed: denied
snapshot snap-2 | skipped: image ami-2 was not deregistered
snapshot snap-3 | skipped: image ami-2 was not deregistered
`, out.String())
}

func TestExecute_ContinueOnFailureSharedSnapshot(t *testing.T) {
	mutator := &mockMutator{failOn: map[string]error{"ami-2": errors.New("denied")}}
	snapshots := []image.Snapshot{
		{ID: "snap-shared", ImageID: "ami-1", SharedWith: []string{"ami-2"}},
		{ID: "snap-1", ImageID: "ami-1"},
	}

	result, err := New(&bytes.Buffer{}, mutator, Options{ContinueOnFailure: true}).
		Execute(context.Background(), testImages(), snapshots, ActionDelete)

	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.NotContains(t, mutator.calls, "delete:snap-shared")
	assert.Contains(t, mutator.calls, "delete:snap-1")
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, "image ami-2 was not deregistered", result.Problems()[1].SkipReason)
}

func TestExecute_ContinueOnFailureSnapshotError(t *testing.T) {
	mutator := &mockMutator{failOn: map[string]error{"snap-1": errors.New("boom")}}

	result, err := New(&bytes.Buffer{}, mutator, Options{ContinueOnFailure: true}).
		Execute(context.Background(), testImages(), testSnapshots(), ActionDelete)

	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, mutator.calls, "delete:snap-3")
}

func TestExecute_RateLimitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mutator := &mockMutator{}
	recorder := &mockRecorder{}

	_, err := New(&bytes.Buffer{}, mutator, Options{RateLimit: 1, ContinueOnFailure: true}).
		WithRecorder(recorder).
		Execute(ctx, testImages(), testSnapshots(), ActionDelete)

	require.Error(t, err)
	assert.Empty(t, mutator.calls)
	assert.Equal(t, []string{"image:failed"}, recorder.events)
}

func TestExecute_NothingSelected(t *testing.T) {
	var out bytes.Buffer

	result, err := New(&out, &mockMutator{}, Options{}).Execute(context.Background(), nil, nil, ActionDelete)

	require.NoError(t, err)
	assert.Equal(t, "images:\n---\n\nsnapshots:\n---\n", out.String())
	assert.Empty(t, result.Items)
}
