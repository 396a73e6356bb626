package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"dataset-trainer-go/internal/app"
	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/token"
)

// 运维操作以资源所属团队的管理员身份执行
const operatorID = "datasetctl"

func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	store, err := config.NewStore(c.String("config"))
	if err != nil {
		return err
	}
	a, err := app.New(c.Context, store)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(c.Context, a)
}

func operator(teamID string) service.Principal {
	return service.Principal{TeamID: teamID, TmbID: operatorID, Permission: token.PermManage}
}

func collectionOperator(ctx context.Context, a *app.App, id string) (service.Principal, error) {
	coll, err := a.Collections.FindByID(ctx, id)
	if err != nil {
		return service.Principal{}, fmt.Errorf("集合 %s: %w", id, err)
	}
	return operator(coll.TeamID), nil
}

func datasetOperator(ctx context.Context, a *app.App, id string) (service.Principal, error) {
	ds, err := a.Datasets.FindByID(ctx, id)
	if err != nil {
		return service.Principal{}, fmt.Errorf("知识库 %s: %w", id, err)
	}
	return operator(ds.TeamID), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		id := c.String("collection")
		p, err := collectionOperator(ctx, a, id)
		if err != nil {
			return err
		}
		st, err := a.CollectionService.Status(ctx, p, id)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, st)
	})
}

func retryCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		id := c.String("collection")
		p, err := collectionOperator(ctx, a, id)
		if err != nil {
			return err
		}
		n, err := a.CollectionService.Retry(ctx, p, id, c.String("data"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "已重置 %d 个失败条目\n", n)
		return nil
	})
}

func reconcileCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		var (
			rep any
			err error
		)
		if id := c.String("dataset"); id != "" {
			rep, err = a.Reconciler.SweepDataset(ctx, id)
		} else {
			rep, err = a.Reconciler.Sweep(ctx)
		}
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, rep)
	})
}

func exportCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		id := c.String("dataset")
		p, err := datasetOperator(ctx, a, id)
		if err != nil {
			return err
		}
		w := c.App.Writer
		if out := c.String("out"); out != "-" {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := a.DatasetService.Export(ctx, p, id, w)
		if err != nil {
			return err
		}
		log.Infof("[datasetctl] 导出完成, dataset: %s, rows: %d", id, n)
		return nil
	})
}

func forbidCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		id := c.String("collection")
		p, err := collectionOperator(ctx, a, id)
		if err != nil {
			return err
		}
		ids, err := a.CollectionService.SetForbid(ctx, p, id, !c.Bool("off"))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "已更新 %d 个集合\n", len(ids))
		return nil
	})
}

// importCommand 逐个导入目录下的文件，单个文件失败只记录并继续。
func importCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		dsID, dir := c.String("dataset"), c.String("dir")
		p, err := datasetOperator(ctx, a, dsID)
		if err != nil {
			return err
		}
		var parent *string
		if v := c.String("parent"); v != "" {
			parent = &v
		}

		var created, skipped, failed int
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				log.Warnf("[datasetctl] 读取文件失败: %s, err=%v", path, err)
				failed++
				return nil
			}
			res, err := a.CollectionService.Create(ctx, p, service.CreateCollectionRequest{
				DatasetID:    dsID,
				ParentID:     parent,
				Name:         d.Name(),
				Source:       normalize.File{Name: d.Name(), Data: data},
				TrainingMode: model.TrainingMode(c.String("mode")),
			})
			switch {
			case err != nil:
				log.Warnf("[datasetctl] 导入失败: %s, err=%v", path, err)
				failed++
			case !res.Created:
				skipped++
			default:
				created++
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\n", res.CollectionID, d.Name(), res.QueuedCount)
			}
			return ctx.Err()
		})
		fmt.Fprintf(c.App.Writer, "导入 %d 个，跳过 %d 个，失败 %d 个\n", created, skipped, failed)
		return walkErr
	})
}

func tokenCommand(c *cli.Context) error {
	perm := token.Permission(c.String("perm"))
	if !perm.Allows(token.PermRead) {
		return fmt.Errorf("未知的权限: %s", perm)
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret 未配置")
	}
	tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours).
		GenerateToken(c.String("team"), c.String("member"), perm)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}
