package journal

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/sublist"
)

const Schema = `CREATE TABLE IF NOT EXISTS fix_journal (
	strategy_id text NOT NULL,
	source text NOT NULL,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	accuracy real NOT NULL,
	altitude real,
	speed real,
	fix_time timestamptz NOT NULL,
	server_time timestamptz NOT NULL
)`

var columns = []string{"strategy_id", "source", "latitude", "longitude", "accuracy", "altitude", "speed", "fix_time", "server_time"}

// Copier is the part of a pgx pool the journal writes through.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type JournalConfig struct {
	Table       string
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

// Journal buffers accepted fixes and copies them to Postgres when the buffer
// is full or its oldest record exceeds MaxAgeFlush.
type Journal struct {
	config JournalConfig
	wlock  sync.Mutex
	wbuf   buffer
	flushq chan buffer
	db     Copier
	log    log.Logger
	owner  string
	done   chan struct{}
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	fix  fix.Fix
	srvt time.Time
}

func (r record) values(owner string) []interface{} {
	var alt, speed interface{}
	if r.fix.HasAltitude {
		alt = float32(r.fix.Altitude)
	}
	if r.fix.HasSpeed {
		speed = float32(r.fix.Speed)
	}
	return []interface{}{owner, r.fix.Source, r.fix.Latitude, r.fix.Longitude, float32(r.fix.Accuracy), alt, speed, r.fix.Time, r.srvt}
}

func NewJournal(db Copier, owner string, config *JournalConfig) *Journal {
	o := &Journal{config: *config, db: db, owner: owner}
	if o.config.Table == "" {
		o.config.Table = "fix_journal"
	}
	if o.config.BufSize <= 0 {
		o.config.BufSize = 100
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = time.Second
	}
	if o.config.MaxAgeFlush <= 0 {
		o.config.MaxAgeFlush = 10 * time.Second
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "journal").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.flushq = make(chan buffer, 4)
	o.done = make(chan struct{})
	return o
}

// Run flushes until ctx is done, then writes what is left.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.config.TickerDur)
	defer ticker.Stop()
	j.log.Info().Msg("starting flusher task")
	for {
		select {
		case buf := <-j.flushq:
			j.copy(buf)
		case t := <-ticker.C:
			j.wlock.Lock()
			if len(j.wbuf.buf) != 0 && t.Sub(j.wbuf.t1) > j.config.MaxAgeFlush {
				j.flush()
			}
			j.wlock.Unlock()
		case <-ctx.Done():
			j.wlock.Lock()
			if len(j.wbuf.buf) != 0 {
				j.flush()
			}
			j.wlock.Unlock()
			for {
				select {
				case buf := <-j.flushq:
					j.copy(buf)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run returned.
func (j *Journal) Done() <-chan struct{} {
	return j.done
}

func (j *Journal) Push(d []byte) bool {
	f, srvt, ok := sublist.DecodeLocation(d)
	if !ok {
		return false
	}
	j.Put(f, srvt)
	return false
}

func (j *Journal) Put(f fix.Fix, srvt time.Time) {
	j.wlock.Lock()
	if len(j.wbuf.buf) == 0 {
		j.wbuf.t1 = time.Now()
	}
	j.wbuf.buf = append(j.wbuf.buf, record{f, srvt})
	if len(j.wbuf.buf) == j.config.BufSize {
		j.flush()
	}
	j.wlock.Unlock()
}

// flush hands the write buffer to the flusher. Callers hold wlock.
func (j *Journal) flush() {
	next := j.wbuf.seq + 1
	select {
	case j.flushq <- j.wbuf:
	default:
		j.log.Warn().Uint64("seq", j.wbuf.seq).Int("length", len(j.wbuf.buf)).Msg("flush queue full, dropping buffer")
	}
	j.wbuf = new_buffer(next, j.config.BufSize)
}

func (j *Journal) copy(buf buffer) {
	t1 := time.Now()
	_, err := j.db.CopyFrom(context.Background(),
		pgx.Identifier{j.config.Table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			return buf.buf[i].values(j.owner), nil
		}))
	if err != nil {
		j.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		j.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}
