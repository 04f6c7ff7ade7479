// sagad 运行 sagaflow 服务：saga 编排、发件箱发布、定时恢复与管理端 HTTP
package main

import (
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"sagaflow/app"
	"sagaflow/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SAGAFLOW_CONFIG"), "path to YAML config file")
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	var opts []app.Option
	if *envFile != "" {
		opts = append(opts, app.WithEnvFiles(*envFile))
	}
	svc := app.New(*configPath, opts...)

	engine := server.NewEngine(svc, server.WithVersion(version))
	if err := engine.Start(); err != nil {
		log.Printf("sagad exited: %v", err)
		os.Exit(1)
	}
}
