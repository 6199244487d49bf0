package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relaymail/backend/internal/healthcheck"
)

// main 校验 Worker 健康文档的新鲜度。
//
// 用法: checkhealth PATH [--max-age 秒数] [--verbose]
// 健康退出 0，不健康退出 1，供容器探针直接调用。
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkhealth", flag.ContinueOnError)
	fs.SetOutput(stderr)
	maxAge := fs.Int("max-age", int(healthcheck.DefaultMaxAge.Seconds()), "允许的文档最大年龄（秒）")
	verbose := fs.Bool("verbose", false, "健康时也输出确认信息")

	// 位置参数在前，探针配置里写 `checkhealth /path --max-age 60`
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(stderr, "usage: checkhealth PATH [--max-age SECONDS] [--verbose]")
		return 2
	}
	path := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: checkhealth PATH [--max-age SECONDS] [--verbose]")
		return 2
	}

	if err := healthcheck.Probe(path, time.Duration(*maxAge)*time.Second); err != nil {
		fmt.Fprintf(stderr, "unhealthy: %v\n", err)
		return 1
	}
	if *verbose {
		fmt.Fprintln(stdout, "healthy")
	}
	return 0
}
