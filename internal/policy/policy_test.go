package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/amicull/pkg/image"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func loadTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := LoadFile(context.Background(), "testdata/keep.rego", "us-east-1")
	require.NoError(t, err)
	p.now = func() time.Time { return now }
	return p
}

func TestKeep_PinnedTag(t *testing.T) {
	p := loadTestPolicy(t)

	keep, err := p.Keep(context.Background(), image.Image{
		ID:        "ami-1",
		Tags:      map[string]string{"pinned": "true"},
		CreatedAt: now.AddDate(0, -3, 0),
	})

	require.NoError(t, err)
	assert.True(t, keep)
}

func TestKeep_RecentImage(t *testing.T) {
	p := loadTestPolicy(t)

	keep, err := p.Keep(context.Background(), image.Image{ID: "ami-2", CreatedAt: now.AddDate(0, 0, -2)})

	require.NoError(t, err)
	assert.True(t, keep)
}

func TestKeep_NotProtected(t *testing.T) {
	p := loadTestPolicy(t)

	keep, err := p.Keep(context.Background(), image.Image{
		ID:        "ami-3",
		Tags:      map[string]string{"env": "dev"},
		CreatedAt: now.AddDate(0, -1, 0),
	})

	require.NoError(t, err)
	assert.False(t, keep)
}

func TestKeptIDs(t *testing.T) {
	p := loadTestPolicy(t)
	images := []image.Image{
		{ID: "ami-old", CreatedAt: now.AddDate(-1, 0, 0)},
		{ID: "ami-pinned", Tags: map[string]string{"pinned": "true"}, CreatedAt: now.AddDate(-1, 0, 0)},
		{ID: "ami-new", CreatedAt: now.Add(-time.Hour)},
	}

	kept, err := p.KeptIDs(context.Background(), images)

	require.NoError(t, err)
	assert.Equal(t, []string{"ami-pinned", "ami-new"}, kept)
}

func TestNew_InvalidPolicy(t *testing.T) {
	_, err := New(context.Background(), "bad.rego", "package amicull\n\nkeep if {", "us-east-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile policy bad.rego")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(context.Background(), "testdata/missing.rego", "us-east-1")
	require.Error(t, err)
}

func TestBuildInput(t *testing.T) {
	p := &Policy{region: "eu-west-1", now: func() time.Time { return now }}

	in := p.buildInput(image.Image{
		ID:        "ami-1",
		Name:      "base",
		CreatedAt: now.AddDate(0, 0, -10),
		BlockDevices: []image.BlockDeviceMapping{
			{DeviceName: "/dev/xvda", SnapshotID: "snap-1"},
			{DeviceName: "/dev/sdb", VirtualName: "ephemeral0"},
		},
	})

	assert.Equal(t, "eu-west-1", in.Region)
	assert.Equal(t, 10, in.Image.AgeDays)
	assert.Equal(t, []string{"snap-1"}, in.Image.Snapshots)
	assert.NotNil(t, in.Image.Tags)
	assert.Equal(t, "2024-05-22T00:00:00Z", in.Image.CreatedAt)
}

func TestKeep_WithTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p := loadTestPolicy(t).WithTracer(tp.Tracer("test"))

	_, err := p.Keep(context.Background(), image.Image{ID: "ami-4"})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "policy.keep", spans[0].Name())
}
