package security

import (
	"fmt"
	"os"
)

func ExampleVerifyChain() {
	dir, err := os.MkdirTemp("", "audit")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	log, err := OpenAuditLog(dir)
	if err != nil {
		fmt.Println(err)
		return
	}
	_, _ = log.Append("demo", EventLoad, nil)
	_, _ = log.Append("demo", EventExecute, map[string]any{"duration_ms": 3})

	entries, _ := log.Snapshot()
	_ = log.Close()

	_, ok := VerifyChain(entries)
	fmt.Println(len(entries), ok)

	entries[0].Actor = "tampered"
	idx, ok := VerifyChain(entries)
	fmt.Println(idx, ok)
	// Output:
	// 2 true
	// 0 false
}
