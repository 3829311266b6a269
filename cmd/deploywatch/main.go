package main

import (
	"context"
	"os"

	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor"
)

func main() {
	ctx := log.NewContext(context.Background(), "deploywatch")
	err := monitor.Run(ctx)
	if err != nil {
		log.FromContext(ctx).Error("error running deploywatch", "error", err)
		os.Exit(-1)
	}
}
