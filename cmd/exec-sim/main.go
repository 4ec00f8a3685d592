package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"gopherex.com/execsim/internal/execsim"
	"gopherex.com/execsim/internal/execsim/app"
)

func main() {
	configName := flag.String("config", execsim.ServiceName, "config file name under ./config (without .yaml)")
	flag.Parse()

	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 加载配置
	simApp, err := app.New(*configName)
	if err != nil {
		log.Fatalf("init exec-sim error: %v", err)
	}
	// 3. 建立连接（NATS 连接会按退避重试）
	if err := simApp.Start(ctx); err != nil {
		simApp.Close(context.Background())
		log.Fatalf("start exec-sim error: %v", err)
	}
	defer simApp.Close(context.Background())

	// 4. 阻塞到收到停止信号
	if err := simApp.Run(ctx); err != nil {
		log.Printf("exec-sim exit with error: %v", err)
	}
}
