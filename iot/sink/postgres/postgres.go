/*Package postgres is the PostgreSQL sink

Every record is appended to the history table "_measurement_" of the
configured schema. The latest fields per node and kind are additionally
kept in the registry under the key "{node}:{kind}" with the prefix "latest".
Tables are created lazily with the first write, so the sink can be
constructed while the database is still unreachable.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/sensorbridge/core/csql"
	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/core/registry"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

const sinkName = "postgres"

// LatestPrefix is the registry prefix of the latest fields per node and kind
const LatestPrefix = "latest"

// Builder is a builder helper for the Sink
type Builder struct {
	// DB is the database with schema. This is mandatory.
	DB *csql.DB
	// Now returns the timestamp of a record. Defaults to time.Now
	Now func() time.Time
}

// Sink stores records in PostgreSQL
type Sink struct {
	db     *csql.DB
	latest registry.Accessor
	now    func() time.Time

	mutex sync.Mutex
	ready bool
}

// Latest is the registry value of the latest fields per node and kind
type Latest struct {
	Fields measurement.Fields `json:"fields"`
}

// New returns a new postgres sink
func New(bb *Builder) *Sink {
	if bb.DB == nil {
		panic("DB is missing")
	}
	now := bb.Now
	if now == nil {
		now = time.Now
	}
	return &Sink{
		db:     bb.DB,
		latest: registry.New(bb.DB).Accessor(LatestPrefix),
		now:    now,
	}
}

// Name implements sink.Sink
func (s *Sink) Name() string {
	return sinkName
}

func (s *Sink) ensureTables(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ready {
		return nil
	}
	if err := s.db.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.latest.Registry.EnsureTable(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+s.db.Schema+`."_measurement_"
(serial SERIAL,
node varchar NOT NULL,
kind varchar NOT NULL,
fields json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS measurement_node_kind_timestamp ON `+s.db.Schema+`."_measurement_"(node,kind,timestamp);`)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("postgres sink ready in schema %s", s.db.Schema)
	s.ready = true
	return nil
}

// Store implements sink.Sink
func (s *Sink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	if err := s.ensureTables(ctx); err != nil {
		return classify(err)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return sink.NewPermanent(sinkName, err)
	}
	timestamp := sink.Timestamp(ctx, s.now)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_measurement_"(node,kind,fields,timestamp) VALUES($1,$2,$3,$4);`,
		node, string(kind), string(body), timestamp)
	if err != nil {
		return classify(err)
	}
	if err = s.latest.Write(ctx, LatestKey(node, kind), Latest{Fields: fields}, timestamp); err != nil {
		return classify(err)
	}
	return nil
}

// ReadLatest returns the latest fields stored for node and kind, and the time
// they were written. The time is zero if nothing was stored yet.
func (s *Sink) ReadLatest(ctx context.Context, node string, kind measurement.Kind) (measurement.Fields, time.Time, error) {
	if err := s.ensureTables(ctx); err != nil {
		return nil, time.Time{}, err
	}
	var latest Latest
	timestamp, err := s.latest.Read(ctx, LatestKey(node, kind), &latest)
	return latest.Fields, timestamp, err
}

// LatestKey is the registry key of the latest fields for node and kind
func LatestKey(node string, kind measurement.Kind) string {
	return node + ":" + string(kind)
}

// classify maps database errors to sink failure classes. Connection problems,
// resource shortage and serialization conflicts are transient, data and
// schema problems are permanent.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return sink.NewTransient(sinkName, err)
		default:
			return sink.NewPermanent(sinkName, fmt.Errorf("%s: %w", pqErr.Code.Name(), err))
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, pq.ErrSSLNotSupported) {
		return sink.NewTransient(sinkName, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return sink.NewTransient(sinkName, err)
	}
	if sink.ClassOf(err) == sink.Transient {
		return sink.NewTransient(sinkName, err)
	}
	return sink.NewPermanent(sinkName, err)
}
