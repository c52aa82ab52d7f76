package api

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/db-incubator/asyncmysql/pkg/driver"
	"github.com/db-incubator/asyncmysql/pkg/profilecenter"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testProfileYaml = `
version: v1
profile: example
endpoint:
  host: 127.0.0.1
  port: 3306
  username: root
  password: topsecret
  database: test
`

func TestStatusServerEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dir, err := ioutil.TempDir("", "statusapi")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	err = ioutil.WriteFile(filepath.Join(dir, "example.yaml"), []byte(testProfileYaml), 0644)
	require.NoError(t, err)

	pcenter := profilecenter.NewCenter(
		profilecenter.NewDirSource(dir), config.Defaults{}, false)

	cli := driver.NewSyncClient()
	defer cli.Close()

	cfg := &config.Client{
		StatusServer: config.StatusServer{
			Enable: true,
			Addr:   "127.0.0.1:0",
		},
	}

	server, err := CreateStatusServer(cli, pcenter, cfg)
	require.NoError(t, err)
	go server.Run()
	defer server.Close()

	baseURL := fmt.Sprintf("http://%s", server.listener.Addr().String())
	httpClient := &http.Client{Timeout: time.Second}

	resp, err := httpClient.Get(baseURL + "/status/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Contains(t, stats, "active_connections")

	listResp, err := httpClient.Get(baseURL + "/status/profile/list")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var names []string
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&names))
	require.Equal(t, []string{"example"}, names)

	getResp, err := httpClient.Get(baseURL + "/status/profile/get/example")
	require.NoError(t, err)
	defer getResp.Body.Close()
	body, err := ioutil.ReadAll(getResp.Body)
	require.NoError(t, err)
	// credentials never leak through the status surface
	require.NotContains(t, string(body), "topsecret")
	require.Contains(t, string(body), "example")

	missingResp, err := httpClient.Get(baseURL + "/status/profile/get/nope")
	require.NoError(t, err)
	defer missingResp.Body.Close()
	var missing CommonJsonResp
	require.NoError(t, json.NewDecoder(missingResp.Body).Decode(&missing))
	require.Equal(t, http.StatusNotFound, missing.Code)

	metricsResp, err := httpClient.Get(baseURL + "/metrics/")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
