// File:		main.go
// Created by:	Hoven
// Created on:	2024-11-19
//
// This file is part of the Example Project.
//
// (c) 2024 Example Corp. All rights reserved.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/superwhys/tunnelkeeper"
)

func main() {
	cfg := tunnelkeeper.Config{
		RemoteHost:   "10.11.43.115",
		Username:     "hoven",
		IdentityFile: "/Users/yong/.ssh/id_rsa_cnns",
	}

	spec, err := tunnelkeeper.ParseMapping("2222:10.15.25.23:22", "127.0.0.1")
	if err != nil {
		panic(err)
	}

	orch, err := tunnelkeeper.NewOrchestrator(cfg, []tunnelkeeper.TunnelSpec{spec}, nil)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch.Run(ctx)
}
