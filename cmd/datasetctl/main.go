// datasetctl 是知识库训练流水线的运维命令行。
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"dataset-trainer-go/pkg/log"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "datasetctl",
		Usage: "知识库训练流水线运维工具",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				Value:   "./configs/config.yaml",
				EnvVars: []string{"DATASET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "日志级别 (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			_ = godotenv.Load()
			log.Init(c.String("log-level"), "console", "")
			return nil
		},
		After: func(*cli.Context) error {
			log.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "查看集合的训练进度",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "collection", Usage: "集合 id", Required: true},
				},
			},
			{
				Name:   "retry",
				Usage:  "重置集合中的失败条目",
				Action: retryCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "collection", Usage: "集合 id", Required: true},
					&cli.StringFlag{Name: "data", Usage: "只重置指定的训练条目 id"},
				},
			},
			{
				Name:   "reconcile",
				Usage:  "对账并修复向量、数据与队列之间的不一致",
				Action: reconcileCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dataset", Usage: "知识库 id，为空时处理全部知识库"},
				},
			},
			{
				Name:   "export",
				Usage:  "以 q,a,indexes 格式导出知识库",
				Action: exportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dataset", Usage: "知识库 id", Required: true},
					&cli.StringFlag{Name: "out", Usage: "输出文件，- 表示标准输出", Value: "-"},
				},
			},
			{
				Name:   "forbid",
				Usage:  "禁用集合及其子集合，--off 时解除禁用",
				Action: forbidCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "collection", Usage: "集合 id", Required: true},
					&cli.BoolFlag{Name: "off", Usage: "解除禁用"},
				},
			},
			{
				Name:   "import",
				Usage:  "把目录下的文件逐个导入知识库，已导入的内容自动跳过",
				Action: importCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dataset", Usage: "知识库 id", Required: true},
					&cli.StringFlag{Name: "dir", Usage: "待导入的目录", Required: true},
					&cli.StringFlag{Name: "parent", Usage: "放入的目录集合 id"},
					&cli.StringFlag{Name: "mode", Usage: "训练方式 (chunk, qa)", Value: "chunk"},
				},
			},
			{
				Name:   "token",
				Usage:  "为团队成员签发访问 token",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "team", Usage: "团队 id", Required: true},
					&cli.StringFlag{Name: "member", Usage: "成员 id", Required: true},
					&cli.StringFlag{Name: "perm", Usage: "权限 (read, write, manage)", Value: "write"},
				},
			},
		},
	}
}
