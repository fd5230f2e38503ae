package trigger

import (
	"context"
	"fmt"

	"github.com/tripwire/procdump/internal/dumpwriter"
	"github.com/tripwire/procdump/internal/procfs"
	"github.com/tripwire/procdump/internal/target"
)

// NewFDObserver builds the file-descriptor-count observer (§4.3.2): fires
// when the count of entries under the target's fd directory is at or above
// the configured threshold.
func NewFDObserver(st *target.State, w *dumpwriter.Writer, src *procfs.Source) *Observer {
	o := &Observer{Kind: KindFD, State: st, Writer: w}
	o.eval = func(ctx context.Context) (bool, error) {
		n, err := src.FDCount(st.Pid)
		if err != nil {
			return false, err
		}
		if st.Cfg.FDThreshold == nil {
			return false, fmt.Errorf("trigger: fd observer started without an fd threshold")
		}
		return n >= *st.Cfg.FDThreshold, nil
	}
	return o
}
