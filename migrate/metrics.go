package migrate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Row results recorded in strongroom_migration_rows_total.
const (
	resultChanged   = "changed"
	resultUnchanged = "unchanged"
	resultFailed    = "failed"
)

// Migration kinds recorded in strongroom_migration_duration_seconds.
const (
	kindPath          = "path"
	kindEncryptFields = "encrypt_fields"
	kindDecryptFields = "decrypt_fields"
)

type metrics struct {
	rows     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strongroom",
			Subsystem: "migration",
			Name:      "rows_total",
			Help:      "Rows visited by field migrations, by table and result.",
		}, []string{"table", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strongroom",
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Duration of migrations, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.rows, err = register(reg, m.rows); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, reusing an identical collector that is already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
