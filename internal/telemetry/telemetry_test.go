package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/substation-twin/internal/assets"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

type fakeReader struct {
	msgs        []kafka.Message
	fetchErr    error
	whenDrained func()
	committed   []kafka.Message
	commitErrs  []error
	closed      bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		return m, nil
	}
	if f.whenDrained != nil {
		f.whenDrained()
	}
	if f.fetchErr != nil {
		return kafka.Message{}, f.fetchErr
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.commitErrs = append(f.commitErrs, ctx.Err())
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func envelope(t *testing.T, id string, m assets.Measurement) []byte {
	t.Helper()
	data, err := json.Marshal(Envelope{AssetID: id, Measurement: m})
	require.NoError(t, err)
	return data
}

func newTestSource(reader messageReader, maxBatch int) *KafkaSource {
	return &KafkaSource{
		cfg:    KafkaConfig{PollTimeout: 20 * time.Millisecond, MaxBatch: maxBatch},
		reader: reader,
	}
}

func TestSimulatedSourcePollsWholeFleet(t *testing.T) {
	reg := assets.NewStandardSubstation(7)
	src := NewSimulatedSource(reg, 7)
	assert.Equal(t, "simulated", src.Name())

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, reg.Len())
	for id, m := range batch {
		_, ok := reg.Get(id)
		assert.True(t, ok, id)
		assert.NotNil(t, m.Voltage, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKafkaSourcePollDecodesAndCommits(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: envelope(t, "TR1", assets.Measurement{Timestamp: ts, Temperature: assets.F(65)})},
		{Key: []byte("CB1"), Value: envelope(t, "", assets.Measurement{SF6Pressure: assets.F(6.2)}), Time: ts},
		{Value: []byte("{not json"), Offset: 9},
		{Value: envelope(t, "TR1", assets.Measurement{Timestamp: ts.Add(time.Second), Temperature: assets.F(66)})},
	}}
	src := newTestSource(reader, 100)

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 66.0, *batch["TR1"].Temperature)
	assert.Equal(t, 6.2, *batch["CB1"].SF6Pressure)
	assert.Equal(t, ts, batch["CB1"].Timestamp)
	assert.Len(t, reader.committed, 4)

	require.NoError(t, src.Close())
	assert.True(t, reader.closed)
}

func TestKafkaSourcePollRespectsMaxBatch(t *testing.T) {
	reader := &fakeReader{}
	for _, id := range []string{"A", "B", "C"} {
		reader.msgs = append(reader.msgs, kafka.Message{Value: envelope(t, id, assets.Measurement{Voltage: assets.F(400)})})
	}
	src := newTestSource(reader, 2)

	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Len(t, reader.msgs, 1)

	batch, err = src.Poll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, batch, "C")
}

func TestKafkaSourcePollEmptyAndErrors(t *testing.T) {
	src := newTestSource(&fakeReader{}, 10)
	batch, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)

	broker := errors.New("broker unavailable")
	src = newTestSource(&fakeReader{fetchErr: broker}, 10)
	_, err = src.Poll(context.Background())
	assert.ErrorIs(t, err, broker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src = newTestSource(&fakeReader{}, 10)
	_, err = src.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKafkaSourceCommitsPartialBatch(t *testing.T) {
	broker := errors.New("broker unavailable")
	reader := &fakeReader{
		msgs: []kafka.Message{
			{Value: envelope(t, "TR1", assets.Measurement{Temperature: assets.F(61)})},
			{Value: envelope(t, "TR2", assets.Measurement{Temperature: assets.F(62)})},
		},
		fetchErr: broker,
	}
	src := newTestSource(reader, 10)
	batch, err := src.Poll(context.Background())
	assert.ErrorIs(t, err, broker)
	assert.Len(t, batch, 2)
	assert.Len(t, reader.committed, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader = &fakeReader{
		msgs:        []kafka.Message{{Value: envelope(t, "CB1", assets.Measurement{Voltage: assets.F(400)})}},
		whenDrained: cancel,
	}
	src = newTestSource(reader, 10)
	batch, err = src.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, batch, "CB1")
	require.Len(t, reader.committed, 1)
	assert.Equal(t, []error{nil}, reader.commitErrs, "commit runs on a live context")
}

func TestKafkaSourceSetPollTimeout(t *testing.T) {
	src := newTestSource(&fakeReader{}, 10)
	assert.Equal(t, 20*time.Millisecond, src.timeout())
	src.SetPollTimeout(0)
	assert.Equal(t, 20*time.Millisecond, src.timeout())
	src.SetPollTimeout(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, src.timeout())

	start := time.Now()
	_, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKafkaConfigValidation(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "telemetry", GroupID: "twin"})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "twin"})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "telemetry"})
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "telemetry"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, time.Second, cfg.PollTimeout)
	assert.Equal(t, 500, cfg.MaxBatch)
}

func TestPublisherRoundTripsThroughSource(t *testing.T) {
	w := &fakeWriter{}
	pub := &Publisher{writer: w}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	batch := map[string]assets.Measurement{
		"TR1": {Timestamp: ts, LoadMVA: assets.F(240)},
		"CB1": {Timestamp: ts, SpringCharged: func() *bool { b := true; return &b }()},
	}
	require.NoError(t, pub.Publish(context.Background(), batch))
	require.Len(t, w.msgs, 2)
	for _, m := range w.msgs {
		assert.NotEmpty(t, m.Key)
	}

	src := newTestSource(&fakeReader{msgs: w.msgs}, 10)
	got, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 240.0, *got["TR1"].LoadMVA)
	assert.True(t, *got["CB1"].SpringCharged)

	require.NoError(t, pub.Publish(context.Background(), nil))
	w.err = errors.New("leader not available")
	assert.Error(t, pub.Publish(context.Background(), batch))
}
