package buffer

import (
	"fmt"
	"strings"
)

// FormatCommandTag builds the CommandComplete tag for a completed command,
// per the Postgres wire protocol: "INSERT 0 <n>" for INSERT, "<CMD> <n>" for
// UPDATE/DELETE/SELECT/MOVE/FETCH/COPY, and the bare command word otherwise.
func FormatCommandTag(command string, rowCount int) string {
	upper := strings.ToUpper(command)

	switch upper {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rowCount)
	case "UPDATE", "DELETE", "SELECT", "MOVE", "FETCH", "COPY":
		return fmt.Sprintf("%s %d", upper, rowCount)
	default:
		return upper
	}
}
