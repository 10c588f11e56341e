// Command glassware はタイムライン連携サーバーを起動する。
//
// 使い方:
//
//	glassware [serve|worker|migrate|rollback|cleanup|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/glassware/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
