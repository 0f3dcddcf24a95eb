package memory_test

import (
	"github.com/SirClappington/jobcore/internal/api"
	"github.com/SirClappington/jobcore/internal/claim"
	"github.com/SirClappington/jobcore/internal/control"
	"github.com/SirClappington/jobcore/internal/dlq"
	"github.com/SirClappington/jobcore/internal/executor"
	"github.com/SirClappington/jobcore/internal/flags"
	"github.com/SirClappington/jobcore/internal/governor"
	"github.com/SirClappington/jobcore/internal/heartbeat"
	"github.com/SirClappington/jobcore/internal/ingest"
	"github.com/SirClappington/jobcore/internal/metrics"
	"github.com/SirClappington/jobcore/internal/retry"
	"github.com/SirClappington/jobcore/internal/storage/memory"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

var (
	_ api.Store           = (*memory.Store)(nil)
	_ claim.Store         = (*memory.Store)(nil)
	_ control.Store       = (*memory.Store)(nil)
	_ dlq.Store           = (*memory.Store)(nil)
	_ executor.Store      = (*memory.Store)(nil)
	_ flags.Source        = (*memory.Store)(nil)
	_ governor.Store      = (*memory.Store)(nil)
	_ governor.PoolLister = (*memory.Store)(nil)
	_ heartbeat.Store     = (*memory.Store)(nil)
	_ ingest.Store        = (*memory.Store)(nil)
	_ metrics.Store       = (*memory.Store)(nil)
	_ retry.Store         = (*memory.Store)(nil)
	_ retry.ExpiredLister = (*memory.Store)(nil)
	_ watchdog.Store      = (*memory.Store)(nil)
)
