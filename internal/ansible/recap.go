package ansible

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	failedRe      = regexp.MustCompile(`failed=(\d+)`)
	unreachableRe = regexp.MustCompile(`unreachable=(\d+)`)
)

// CheckRecap determines true success from the PLAY RECAP summary rather
// than the process exit code: ansible-playbook can exit 0 while reporting
// per-host failures when running against multiple targets. The exit code is
// only consulted when no recap is present (e.g. the run never reached the
// recap stage).
func CheckRecap(output string, exitCode int) bool {
	if !strings.Contains(output, "PLAY RECAP") {
		return exitCode == 0
	}
	totalFailed := sumMatches(failedRe, output)
	totalUnreachable := sumMatches(unreachableRe, output)
	return totalFailed == 0 && totalUnreachable == 0
}

func sumMatches(re *regexp.Regexp, output string) int {
	total := 0
	for _, m := range re.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
