package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// startWithDocker spins up a couchbase/server container using the Docker
// CLI, drives the cluster-init REST API to configure services, admin
// credentials, and a "fhir" bucket, and returns a connection string and a
// cleanup function.
func startWithDocker(ctx context.Context) (string, func(), error) {
	kvPort, err := getFreePort()
	if err != nil {
		return "", nil, fmt.Errorf("find free kv port: %w", err)
	}
	mgmtPort, err := getFreePort()
	if err != nil {
		return "", nil, fmt.Errorf("find free mgmt port: %w", err)
	}

	containerName := fmt.Sprintf("fhir-integration-test-%d", mgmtPort)
	exec.CommandContext(ctx, "docker", "rm", "-f", containerName).Run()

	cmd := exec.CommandContext(ctx, "docker", "run",
		"--name", containerName,
		"-d",
		"-p", fmt.Sprintf("%d:8091", mgmtPort),
		"-p", fmt.Sprintf("%d:11210", kvPort),
		"couchbase:community-7.2.0",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, string(output))
	}
	containerID := strings.TrimSpace(string(output))

	cleanup := func() {
		exec.Command("docker", "rm", "-f", containerID).Run()
	}

	mgmtBase := fmt.Sprintf("http://localhost:%d", mgmtPort)
	if err := waitForCouchbase(ctx, mgmtBase, 90*time.Second); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for couchbase: %w", err)
	}
	if err := initCluster(ctx, mgmtBase); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("init cluster: %w", err)
	}
	if err := createBucket(ctx, mgmtBase, "fhir"); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("create bucket: %w", err)
	}

	connStr := fmt.Sprintf("couchbase://localhost:%d", kvPort)
	return connStr, cleanup, nil
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForCouchbase polls the management port until it accepts connections.
func waitForCouchbase(ctx context.Context, mgmtBase string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, mgmtBase+"/pools", nil)
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("couchbase management API not ready after %v", timeout)
}

// initCluster drives the same one-time setup sequence as `couchbase-cli
// cluster-init`: memory quota, service placement, and admin credentials.
func initCluster(ctx context.Context, mgmtBase string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	if err := postForm(ctx, client, mgmtBase+"/pools/default", url.Values{
		"memoryQuota": {"512"},
	}, "", ""); err != nil {
		return fmt.Errorf("set memory quota: %w", err)
	}
	if err := postForm(ctx, client, mgmtBase+"/node/controller/setupServices", url.Values{
		"services": {"kv,index,n1ql,fts"},
	}, "", ""); err != nil {
		return fmt.Errorf("setup services: %w", err)
	}
	if err := postForm(ctx, client, mgmtBase+"/settings/web", url.Values{
		"username": {"Administrator"},
		"password": {"password"},
		"port":     {"SAME"},
	}, "", ""); err != nil {
		return fmt.Errorf("set admin credentials: %w", err)
	}
	return nil
}

func createBucket(ctx context.Context, mgmtBase, name string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	return postForm(ctx, client, mgmtBase+"/pools/default/buckets", url.Values{
		"name":          {name},
		"bucketType":    {"couchbase"},
		"ramQuotaMB":    {"256"},
		"flushEnabled":  {"1"},
		"authType":      {"sasl"},
		"replicaNumber": {"0"},
	}, "Administrator", "password")
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, user, pass string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	return nil
}
