package arena

import (
	"fmt"
	"os"
)

// Compile-time toggle for verbose arena logging.
const debugArena = false

// Runtime toggle for segment lifecycle logging.
var logSegments = os.Getenv("GCHEAP_LOG_ARENA") != ""

func debugLogf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ARENA] "+format+"\n", args...)
}
