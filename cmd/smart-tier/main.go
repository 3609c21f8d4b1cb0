// smart-tier 入口：載入 .env 後交給 internal/cli
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/ChuLiYu/smart-tier/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	// .env 可選；其中的 SMART_TIER_* 變數覆蓋配置檔
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
