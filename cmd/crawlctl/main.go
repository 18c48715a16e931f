// Command crawlctl is the operator CLI for a running coordinatord: submit
// requests (singly or in batch from a file), check status, resume from a
// checkpoint, drain, and stop a job.
//
// Grounded on ScrapeGoat-And-ArchEnemy's cmd/webstalk/main.go (a root
// cobra.Command with persistent --config/--verbose flags, one
// subcommand per operation, flags bound directly to package vars) —
// adapted from a standalone crawl-and-exit tool into a thin client that
// talks to a long-running coordinatord over its HTTP API, and cobra's
// flag binding is routed through viper so CRAWLFORGE_-prefixed
// environment variables (e.g. CRAWLFORGE_COORDINATOR) work the same as
// flags, per spec.md §6's CLI surface.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crawlforge/crawlforge/coordinator"
)

var (
	coordinatorAddr string
	apiToken        string
	jobID           string
	httpClient      = &http.Client{Timeout: 30 * time.Second}
)

func newRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	if jobID != "" {
		req.Header.Set("X-Crawlforge-Job", jobID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "Operate a crawlforge coordinator",
	}
	rootCmd.PersistentFlags().StringVar(&coordinatorAddr, "coordinator", "http://localhost:8090", "coordinator base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token, if the coordinator requires API auth")
	rootCmd.PersistentFlags().StringVar(&jobID, "job", "", "job id to target; rejected by the coordinator if it serves a different job")
	viper.BindPFlag("coordinator", rootCmd.PersistentFlags().Lookup("coordinator"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("job_id", rootCmd.PersistentFlags().Lookup("job"))
	viper.SetEnvPrefix("CRAWLFORGE")
	viper.AutomaticEnv()
	if v := viper.GetString("coordinator"); v != "" {
		coordinatorAddr = v
	}
	if v := viper.GetString("token"); v != "" {
		apiToken = v
	}
	if v := viper.GetString("job_id"); v != "" {
		jobID = v
	}

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(stopCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseHeaders(headerFlags []string) ([]coordinator.Header, error) {
	var headers []coordinator.Header
	for _, h := range headerFlags {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --header %q, want Name:Value", h)
		}
		headers = append(headers, coordinator.Header{
			Name:  strings.TrimSpace(parts[0]),
			Value: strings.TrimSpace(parts[1]),
		})
	}
	return headers, nil
}

// readURLFile reads one URL per line from path, skipping blank lines.
func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func submitCmd() *cobra.Command {
	var method, domain, file string
	var priority, maxRetries int
	var headerFlags []string

	cmd := &cobra.Command{
		Use:   "submit [url]",
		Short: "Submit one crawl request, or a batch from --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := parseHeaders(headerFlags)
			if err != nil {
				return err
			}

			if file != "" {
				if len(args) != 0 {
					return fmt.Errorf("pass either a single url or --file, not both")
				}
				urls, err := readURLFile(file)
				if err != nil {
					return fmt.Errorf("read --file %s: %w", file, err)
				}
				if len(urls) == 0 {
					return fmt.Errorf("--file %s contained no urls", file)
				}
				reqs := make([]coordinator.Request, 0, len(urls))
				for _, u := range urls {
					reqs = append(reqs, coordinator.Request{
						URL:        u,
						Method:     coordinator.Method(strings.ToUpper(method)),
						Priority:   priority,
						Domain:     domain,
						MaxRetries: maxRetries,
						Headers:    headers,
					})
				}
				body, err := json.Marshal(reqs)
				if err != nil {
					return err
				}
				httpReq, err := newRequest(http.MethodPost, coordinatorAddr+"/submit_batch", bytes.NewReader(body))
				if err != nil {
					return err
				}
				resp, err := httpClient.Do(httpReq)
				if err != nil {
					return fmt.Errorf("submit_batch: %w", err)
				}
				defer resp.Body.Close()
				return printResponse(resp)
			}

			if len(args) != 1 {
				return fmt.Errorf("submit requires exactly one url, or --file for a batch")
			}
			req := coordinator.Request{
				URL:        args[0],
				Method:     coordinator.Method(strings.ToUpper(method)),
				Priority:   priority,
				Domain:     domain,
				MaxRetries: maxRetries,
				Headers:    headers,
			}

			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			httpReq, err := newRequest(http.MethodPost, coordinatorAddr+"/submit", bytes.NewReader(body))
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "GET", "HTTP method")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "domain override for dedup/rate-limiting (defaults to the URL's host)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "dispatch priority, higher goes first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "maximum retry attempts before dead-lettering")
	cmd.Flags().StringArrayVar(&headerFlags, "header", nil, "additional header as Name:Value (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "submit a batch of urls, one per line, instead of a single positional url")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reload the job's checkpoint snapshot and report resume state",
		RunE: func(cmd *cobra.Command, args []string) error {
			httpReq, err := newRequest(http.MethodPost, coordinatorAddr+"/resume", nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
}

func stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the coordinator, draining in-flight leases first unless --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := coordinatorAddr + "/stop"
			if force {
				url += "?force=true"
			}
			httpReq, err := newRequest(http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "stop immediately without waiting for in-flight leases to conclude")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			httpReq, err := newRequest(http.MethodGet, coordinatorAddr+"/status", nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
}

func drainCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Stop accepting submissions and wait for outstanding leases to conclude",
		RunE: func(cmd *cobra.Command, args []string) error {
			httpReq, err := newRequest(http.MethodPost, coordinatorAddr+"/drain", nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(httpReq)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for drain to complete")
	return cmd
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
