package storage_test

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
	"github.com/SirClappington/jobcore/internal/storage"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

var (
	_ api.Store           = (*storage.Store)(nil)
	_ claim.Store         = (*storage.Store)(nil)
	_ control.Store       = (*storage.Store)(nil)
	_ dlq.Store           = (*storage.Store)(nil)
	_ executor.Store      = (*storage.Store)(nil)
	_ flags.Source        = (*storage.Store)(nil)
	_ governor.Store      = (*storage.Store)(nil)
	_ governor.PoolLister = (*storage.Store)(nil)
	_ heartbeat.Store     = (*storage.Store)(nil)
	_ ingest.Store        = (*storage.Store)(nil)
	_ metrics.Store       = (*storage.Store)(nil)
	_ retry.Store         = (*storage.Store)(nil)
	_ retry.ExpiredLister = (*storage.Store)(nil)
	_ watchdog.Store      = (*storage.Store)(nil)
)
