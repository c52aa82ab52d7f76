package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/db-incubator/asyncmysql/pkg/api"
	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/db-incubator/asyncmysql/pkg/driver"
	"github.com/db-incubator/asyncmysql/pkg/metrics"
	"github.com/db-incubator/asyncmysql/pkg/profilecenter"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

var (
	configFilePath = flag.String("config", "conf/asyncmysql.yaml", "client config file path")
	profileName    = flag.String("profile", "", "connection profile name")
	query          = flag.String("query", "", "query to run; statements separated by ';'")
)

func main() {
	flag.Parse()

	clientConfigData, err := ioutil.ReadFile(*configFilePath)
	if err != nil {
		fmt.Printf("read config file error: %v\n", err)
		os.Exit(1)
	}

	clientCfg, err := config.UnmarshalClientConfig(clientConfigData)
	if err != nil {
		fmt.Printf("parse config file error: %v\n", err)
		os.Exit(1)
	}

	metrics.RegisterClientMetrics()

	pcenter, err := profilecenter.NewCenterFromConfig(clientCfg.ProfileCenter, clientCfg.Defaults)
	if err != nil {
		fmt.Printf("create profile center error: %v\n", err)
		os.Exit(1)
	}

	key, opts, err := pcenter.Get(context.Background(), *profileName)
	if err != nil {
		fmt.Printf("resolve profile %q error: %v\n", *profileName, err)
		os.Exit(1)
	}

	cli := driver.NewSyncClient()
	defer cli.Close()

	var statusServer *api.StatusServer
	if clientCfg.StatusServer.Enable {
		statusServer, err = api.CreateStatusServer(cli, pcenter, clientCfg)
		if err != nil {
			fmt.Printf("create status server error: %v\n", err)
			os.Exit(1)
		}
		go statusServer.Run()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	go func() {
		sig := <-sc
		logutil.BgLogger().Warn("got os signal, closing client", zap.String("signal", sig.String()))
		if statusServer != nil {
			statusServer.Close()
		}
		cli.Close()
		os.Exit(1)
	}()

	connOp := cli.BeginConnection(key)
	if err := connOp.SetConnectionOptions(opts); err != nil {
		fmt.Printf("set connection options error: %v\n", err)
		os.Exit(1)
	}
	if err := connOp.MustSucceed(); err != nil {
		logutil.BgLogger().Error("connect failed", zap.Error(err))
		os.Exit(1)
	}
	conn := connOp.Connection()
	defer conn.Close()

	logutil.BgLogger().Info("connected",
		zap.String("conn", key.String()),
		zap.String("server_version", conn.ServerVersion()))

	if *query == "" {
		if statusServer != nil {
			statusServer.Run()
		}
		return
	}

	queryOp := conn.Query(*query)
	if err := queryOp.MustSucceed(); err != nil {
		logutil.BgLogger().Error("query failed", zap.Error(err))
		os.Exit(1)
	}

	results, err := queryOp.Results()
	if err != nil {
		logutil.BgLogger().Error("read results failed", zap.Error(err))
		os.Exit(1)
	}
	for i, result := range results {
		fmt.Printf("-- result set %d --\n", i+1)
		if result.Fields != nil {
			fmt.Println(strings.Join(result.Fields.Names, "\t"))
		}
		for _, row := range result.Rows {
			cols := make([]string, len(row))
			for j, col := range row {
				if col == nil {
					cols[j] = "NULL"
				} else {
					cols[j] = string(col)
				}
			}
			fmt.Println(strings.Join(cols, "\t"))
		}
		if result.Fields == nil {
			fmt.Printf("affected rows: %d, last insert id: %d\n",
				result.AffectedRows, result.LastInsertID)
		}
	}
}
