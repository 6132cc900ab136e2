package client

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/control"
	"github.com/1ureka/udpftp/internal/util"
)

// BenchReport summarises repeated runs of one transfer.
type BenchReport struct {
	Op    control.Verb
	Name  string
	Mode  control.Mode
	Runs  int
	Bytes int64         // total over all runs
	Total time.Duration // summed transfer time
}

// Average is the mean duration of one run.
func (r BenchReport) Average() time.Duration {
	if r.Runs == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Runs)
}

// Throughput is bytes per second over all runs.
func (r BenchReport) Throughput() float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Total.Seconds()
}

func (r BenchReport) String() string {
	return fmt.Sprintf("%s %s x%d (%s): avg %s, %s/s",
		r.Op, r.Name, r.Runs, r.Mode,
		r.Average().Round(time.Millisecond), util.FormatBytes(r.Throughput()))
}

// Bench performs the same GET or PUT runs times in a row and reports the
// average. For GET, local is the download target; for PUT it is the file
// uploaded as remote. The first failed run stops the bench.
func (c *Client) Bench(ctx context.Context, op control.Verb, remote, local string, runs int) (BenchReport, error) {
	if runs < 1 {
		runs = 1
	}
	report := BenchReport{Op: op, Name: remote, Mode: c.mode}

	for i := 0; i < runs; i++ {
		var (
			res arq.Result
			err error
		)
		switch op {
		case control.VerbGet:
			res, err = c.Get(ctx, remote, local)
		case control.VerbPut:
			res, err = c.Put(ctx, local, remote)
		default:
			return report, fmt.Errorf("cannot bench %q", op)
		}
		if err != nil {
			return report, fmt.Errorf("run %d/%d: %w", i+1, runs, err)
		}

		report.Runs++
		report.Bytes += res.Bytes
		report.Total += res.Elapsed
		util.LogDebug("[%08x] bench run %d/%d: %s", c.id, i+1, runs, res)
	}
	return report, nil
}
