package util

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JournalConfig controls the on-disk transfer journal.
type JournalConfig struct {
	Enable     bool
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Journal appends one structured record per finished transfer. Console
// output stays on pterm; the journal is the durable, machine-readable trail.
type Journal struct {
	log *zap.Logger
}

// OpenJournal builds a JSON journal writing through a rotating file. A
// disabled config yields a no-op journal.
func OpenJournal(c JournalConfig) (*Journal, error) {
	if !c.Enable {
		return NopJournal(), nil
	}
	if dir := filepath.Dir(c.Filename); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	ws := zapcore.AddSync(&lumberjack.Logger{
		Filename:   c.Filename,
		MaxSize:    max(c.MaxSizeMB, 1),
		MaxBackups: max(c.MaxBackups, 1),
		MaxAge:     max(c.MaxAgeDays, 1),
		Compress:   c.Compress,
	})
	return NewJournal(ws), nil
}

// NewJournal builds a JSON journal on an arbitrary sink.
func NewJournal(ws zapcore.WriteSyncer) *Journal {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zap.InfoLevel)
	return &Journal{log: zap.New(core)}
}

// NopJournal discards everything.
func NopJournal() *Journal {
	return &Journal{log: zap.NewNop()}
}

// NewTransferID returns a fresh identifier correlating a transfer across the
// console log, the journal and the monitor feed.
func NewTransferID() string {
	return uuid.NewString()
}

// TransferRecord is one journal entry.
type TransferRecord struct {
	ID      string
	Op      string // GET or PUT
	Path    string
	Mode    string // TCP or UDP
	Peer    string
	Bytes   int64
	Elapsed time.Duration
	Outcome string
	Err     error
}

// Record writes r. Failed transfers are logged at warn level.
func (j *Journal) Record(r TransferRecord) {
	fields := []zap.Field{
		zap.String("transfer_id", r.ID),
		zap.String("op", r.Op),
		zap.String("path", r.Path),
		zap.String("mode", r.Mode),
		zap.String("peer", r.Peer),
		zap.Int64("bytes", r.Bytes),
		zap.Duration("elapsed", r.Elapsed),
		zap.String("outcome", r.Outcome),
	}
	if r.Elapsed > 0 {
		fields = append(fields, zap.Float64("bytes_per_sec", float64(r.Bytes)/r.Elapsed.Seconds()))
	}
	if r.Err != nil {
		fields = append(fields, zap.Error(r.Err))
		j.log.Warn("transfer", fields...)
		return
	}
	j.log.Info("transfer", fields...)
}

// Sync flushes buffered records.
func (j *Journal) Sync() error {
	return j.log.Sync()
}
