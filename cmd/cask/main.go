// Command cask inspects object containers: their manifest, their stores, and
// the reference structure of saved objects.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/attic-labs/kingpin"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/store"
)

func main() {
	kingpin.CommandLine.HelpFlag.Short('h')
	app := kingpin.New("cask", "Cask is a tool for inspecting cask object containers.")
	verbose := app.Flag("verbose", "show debug logging").Short('v').Bool()

	manifest := app.Command("manifest", "Prints a container's dimensions, variables, and stores.")
	manifestPath := addContainerArg(manifest)

	stats := app.Command("stats", "Prints per-store row counts and container size.")
	statsPath := addContainerArg(stats)

	show := app.Command("show", "Prints the raw cells of one saved object.")
	showPath := addContainerArg(show)
	showID := show.Arg("id", "object identity").Required().String()

	walk := app.Command("walk", "Walks the reference edges reachable from one object.")
	walkPath := addContainerArg(walk)
	walkID := walk.Arg("id", "object identity").Required().String()

	input := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()
	var err error
	switch input {
	case manifest.FullCommand():
		err = runManifest(ctx, *manifestPath)
	case stats.FullCommand():
		err = runStats(ctx, *statsPath)
	case show.FullCommand():
		err = runShow(ctx, *showPath, *showID)
	case walk.FullCommand():
		err = runWalk(ctx, *walkPath, *walkID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func addContainerArg(cmd *kingpin.CmdClause) *string {
	return cmd.Arg("container", "a container file or LevelDB directory").Required().String()
}

func open(ctx context.Context, path string) (*store.Container, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return store.OpenLevelDB(ctx, path, store.Read)
	}
	return store.OpenFile(ctx, path, store.Read)
}

func runManifest(ctx context.Context, path string) error {
	c, err := open(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	b := c.Backend()
	fmt.Println("dimensions:")
	for _, d := range b.Dims() {
		if d.Unbounded {
			fmt.Printf("  %s (unbounded, %d rows)\n", d.Name, d.Size)
		} else {
			fmt.Printf("  %s (%d)\n", d.Name, d.Size)
		}
	}
	fmt.Println("variables:")
	for _, v := range b.Vars() {
		fmt.Printf("  %s %s dim=%s", v.Field.Name, v.Field.Type, v.Dim)
		if v.Field.Maskable {
			fmt.Print(" maskable")
		}
		if v.Field.Unit != "" {
			fmt.Printf(" unit=%s", v.Field.Unit)
		}
		fmt.Println()
	}
	fmt.Println("stores:")
	for _, name := range b.StoreNames() {
		s, _ := b.StoreSchema(name)
		fmt.Printf("  %s (%d fields)\n", name, s.Len())
	}
	return nil
}

func runStats(ctx context.Context, path string) error {
	c, err := open(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		fmt.Printf("container size: %s\n", humanize.Bytes(uint64(info.Size())))
	}
	b := c.Backend()
	total := 0
	for _, name := range b.StoreNames() {
		size, _ := b.DimensionSize(name)
		fmt.Printf("%-24s %s rows\n", name, humanize.Comma(int64(size)))
		total += size
	}
	fmt.Printf("%-24s %s rows\n", "total", humanize.Comma(int64(total)))
	return nil
}

func runShow(ctx context.Context, path, rawID string) error {
	c, err := open(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	id, err := ident.Parse(rawID)
	if err != nil {
		return err
	}
	name, row, ok := c.Locate(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	fmt.Printf("%s = %s[%d]\n", id, name, row)

	b := c.Backend()
	s, ok := b.StoreSchema(name)
	if !ok {
		return fmt.Errorf("store %q has no recorded schema", name)
	}
	for _, f := range s.Fields() {
		v, err := b.Read(ctx, name+"."+f.Name, row)
		if err != nil {
			return err
		}
		fmt.Printf("  %-20s %v\n", f.Name, v)
	}
	return nil
}

func runWalk(ctx context.Context, path, rawID string) error {
	c, err := open(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	id, err := ident.Parse(rawID)
	if err != nil {
		return err
	}
	b := c.Backend()

	seen := ident.NewSet(id)
	queue := ident.Slice{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		name, row, ok := c.Locate(cur)
		if !ok {
			fmt.Printf("%s dangling\n", cur)
			continue
		}
		s, _ := b.StoreSchema(name)
		for _, f := range s.Fields() {
			if !f.Type.IsRef() {
				continue
			}
			v, err := b.Read(ctx, name+"."+f.Name, row)
			if err != nil {
				return err
			}
			deps, err := store.Refs(f.Type, v)
			if err != nil {
				return err
			}
			for _, dep := range deps {
				fmt.Printf("%s -%s-> %s\n", cur, f.Name, dep)
				if !seen.Has(dep) {
					seen.Insert(dep)
					queue = append(queue, dep)
				}
			}
		}
	}
	return nil
}
