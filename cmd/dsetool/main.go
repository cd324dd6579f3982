// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// dsetool inspects and maintains dset repository files.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/plotkit/dset/repofile"
)

func main() {
	app := &cli.App{
		Name:  "dsetool",
		Usage: "inspect and maintain dset repository files",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(),
			listCommand(),
			compactCommand(),
			rmCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func openRepo(c *cli.Context) (*repofile.Repository, error) {
	path := c.Args().First()
	if path == "" {
		return nil, errors.New("missing repository file argument")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "stat repository")
	}
	repo := repofile.New(path)
	if err := repo.Preload(); err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return repo, nil
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print header, status and waste for a repository file",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return err
			}
			status, err := repo.Status()
			if err != nil {
				return errors.Wrap(err, "status")
			}
			wasted, total, err := repo.Waste()
			if err != nil {
				return errors.Wrap(err, "waste")
			}
			fmt.Printf("path:      %s\n", repo.Path())
			fmt.Printf("capacity:  %d entries\n", status.Capacity)
			fmt.Printf("allocated: %d\n", status.Allocated)
			fmt.Printf("occupied:  %d\n", status.Occupied)
			fmt.Printf("size:      %d bytes\n", total)
			fmt.Printf("waste:     %d bytes\n", wasted)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list stored datasets",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return err
			}
			uids, err := repo.UIDs()
			if err != nil {
				return errors.Wrap(err, "list uids")
			}
			fmt.Printf("%8s  %-40s  %6s  %6s  %6s  %8s\n",
				"UID", "IDENT", "FORMAT", "ROWS", "COLS", "SAMPLES")
			for _, uid := range uids {
				sum, err := repo.Summary(uid)
				if err != nil {
					return errors.Wrapf(err, "summary for uid %d", uid)
				}
				fmt.Printf("%8d  %-40s  %6s  %6d  %6d  %8d\n",
					uid, sum.Ident, formatName(sum.Format), sum.Rows, sum.Cols, sum.SampleCount())
			}
			return nil
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:      "compact",
		Usage:     "reclaim wasted space with a full rewrite",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return err
			}
			before, _, err := repo.Waste()
			if err != nil {
				return errors.Wrap(err, "waste")
			}
			if err := repo.Compact(); err != nil {
				return errors.Wrap(err, "compact")
			}
			after, total, err := repo.Waste()
			if err != nil {
				return errors.Wrap(err, "waste")
			}
			logrus.WithFields(logrus.Fields{
				"path":      repo.Path(),
				"reclaimed": before - after,
				"size":      total,
			}).Info("compacted")
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a dataset by uid",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "uid",
				Usage:    "uid of the dataset to remove",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			repo, err := openRepo(c)
			if err != nil {
				return err
			}
			uid := int32(c.Int("uid"))
			if !repo.Contains(uid) {
				logrus.WithField("uid", uid).Warn("dataset not present; nothing to do")
				return nil
			}
			if err := repo.Remove(uid); err != nil {
				return errors.Wrapf(err, "remove uid %d", uid)
			}
			logrus.WithField("uid", uid).Info("removed")
			return nil
		},
	}
}

func formatName(code int32) string {
	switch code {
	case repofile.FormatPoints:
		return "PTSET"
	case repofile.FormatGrid:
		return "GRID"
	case repofile.FormatRaster:
		return "RASTER"
	case repofile.FormatBounds:
		return "BOUNDS"
	default:
		return fmt.Sprintf("#%d", code)
	}
}
