package ansible

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const recapAllOK = `
PLAY RECAP *********************************************************************
web01                      : ok=5    changed=2    unreachable=0    failed=0    skipped=0    rescued=0    ignored=0
web02                      : ok=5    changed=2    unreachable=0    failed=0    skipped=0    rescued=0    ignored=0
`

const recapOneFailed = `
PLAY RECAP *********************************************************************
web01                      : ok=5    changed=2    unreachable=0    failed=0    skipped=0    rescued=0    ignored=0
web02                      : ok=3    changed=1    unreachable=0    failed=1    skipped=0    rescued=0    ignored=0
`

const recapUnreachable = `
PLAY RECAP *********************************************************************
db01                       : ok=0    changed=0    unreachable=1    failed=0    skipped=0    rescued=0    ignored=0
`

func TestCheckRecap_AllHostsClean(t *testing.T) {
	assert.True(t, CheckRecap(recapAllOK, 0))
	// Recap wins over a non-zero exit code as well.
	assert.True(t, CheckRecap(recapAllOK, 2))
}

func TestCheckRecap_AggregatesAcrossHosts(t *testing.T) {
	// One clean host plus one failed host must fail the aggregate even
	// when the process exited 0.
	assert.False(t, CheckRecap(recapOneFailed, 0))
}

func TestCheckRecap_Unreachable(t *testing.T) {
	assert.False(t, CheckRecap(recapUnreachable, 0))
}

func TestCheckRecap_NoRecapFallsBackToExitCode(t *testing.T) {
	assert.True(t, CheckRecap("some output without summary", 0))
	assert.False(t, CheckRecap("error: inventory parse failure", 4))
}
