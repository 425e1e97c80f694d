package extentmap

import (
	"fmt"
	"strings"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// String dumps every extent and free range, one per line.
func (em *ExtentMap) String() string {
	var sb strings.Builder
	err := em.read(func() error {
		fmt.Fprintf(&sb, "extent map: %d extents\n", em.table.Len())
		em.table.Scan(func(e common.ExtentInfo) bool {
			sb.WriteString("  ")
			sb.WriteString(e.String())
			sb.WriteByte('\n')
			return true
		})
		free := em.freeList.Entries()
		fmt.Fprintf(&sb, "free list: %d entries\n", len(free))
		for _, r := range free {
			fmt.Fprintf(&sb, "  %s size=%d\n", r, r.Size)
		}
		return nil
	}, saveLocks...)
	if err != nil {
		fmt.Fprintf(&sb, "<error: %v>\n", err)
	}
	return sb.String()
}
