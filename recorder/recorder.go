// Package recorder stores ADU208 event counter readings in InfluxDB.
package recorder

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/hubertat/adukit/drivers/adu208"
)

const defaultMeasurement = "event_counter"
const defaultInterval = time.Minute
const writeTimeout = 10 * time.Second

// maxBacklog bounds the points kept while the database is unreachable.
const maxBacklog = 10000

// Writer is satisfied by the blocking InfluxDB write api.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// CounterDevice is the part of the dispatcher the recorder reads.
type CounterDevice interface {
	Name() string
	EventCounter(channel int) (int, bool)
	RequestGetEventCounter(channel int)
	RequestGetAndResetEventCounter(channel int)
}

type Recorder struct {
	Host         string
	Organization string
	Bucket       string
	Token        string
	Measurement  string

	// Channels lists the counters to record, all of them if empty.
	Channels []int
	// ResetOnRead clears each hardware counter as it is read, so every
	// point holds the count since the previous one.
	ResetOnRead bool
	Interval    string

	Debug bool

	device   CounterDevice
	client   influxdb2.Client
	writer   Writer
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
	backlog  []*write.Point
}

func (rec *Recorder) Setup(device CounterDevice) error {
	if len(rec.Channels) == 0 {
		for ch := 0; ch < adu208.NumChannels; ch++ {
			rec.Channels = append(rec.Channels, ch)
		}
	}
	for _, ch := range rec.Channels {
		if ch < 0 || ch >= adu208.NumChannels {
			return errors.Errorf("recorder channel %d out of range", ch)
		}
	}

	rec.interval = defaultInterval
	if len(rec.Interval) > 0 {
		var err error
		rec.interval, err = time.ParseDuration(rec.Interval)
		if err != nil {
			return errors.Wrap(err, "failed to parse recorder Interval")
		}
		if rec.interval <= 0 {
			return errors.Errorf("recorder Interval must be positive, got %s", rec.interval)
		}
	}

	if len(rec.Measurement) == 0 {
		rec.Measurement = defaultMeasurement
	}

	level := log.GetLevel()
	if rec.Debug {
		level = log.DebugLevel
	}
	rec.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "Recorder: ",
		Level:  level,
	})

	if rec.now == nil {
		rec.now = time.Now
	}
	if rec.writer == nil {
		if len(rec.Host) == 0 {
			return errors.New("recorder Host is empty")
		}
		rec.client = influxdb2.NewClient(rec.Host, rec.Token)
		rec.writer = rec.client.WriteAPIBlocking(rec.Organization, rec.Bucket)
	}

	rec.device = device
	for _, ch := range rec.Channels {
		rec.request(ch)
	}
	return nil
}

func (rec *Recorder) request(channel int) {
	if rec.ResetOnRead {
		rec.device.RequestGetAndResetEventCounter(channel)
	} else {
		rec.device.RequestGetEventCounter(channel)
	}
}

// Record turns every counter value read since the last call into a point,
// asks for the next reading and writes the points. Points that fail to
// write are retried on the next call.
func (rec *Recorder) Record(ctx context.Context) error {
	ts := rec.now()
	for _, ch := range rec.Channels {
		count, ok := rec.device.EventCounter(ch)
		if !ok {
			continue
		}
		rec.backlog = append(rec.backlog, write.NewPoint(
			rec.Measurement,
			map[string]string{
				"device":  rec.device.Name(),
				"channel": strconv.Itoa(ch),
			},
			map[string]interface{}{"count": count},
			ts,
		))
		rec.request(ch)
	}

	if len(rec.backlog) > maxBacklog {
		dropped := len(rec.backlog) - maxBacklog
		rec.backlog = rec.backlog[dropped:]
		rec.logger.Warn("dropped oldest points", "count", dropped)
	}
	if len(rec.backlog) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := rec.writer.WritePoint(writeCtx, rec.backlog...); err != nil {
		return errors.Wrapf(err, "failed to write %d points", len(rec.backlog))
	}

	rec.logger.Debug("points written", "count", len(rec.backlog))
	rec.backlog = nil
	return nil
}

// Run records every interval until ctx is done.
func (rec *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(rec.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := rec.Record(context.Background()); err != nil {
				rec.logger.Error("final record failed", "err", err)
			}
			return nil
		case <-ticker.C:
			if err := rec.Record(ctx); err != nil {
				rec.logger.Error("record failed", "err", err)
			}
		}
	}
}

func (rec *Recorder) Close() error {
	if rec.client != nil {
		rec.client.Close()
	}
	return nil
}
