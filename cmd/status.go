package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"kestrel.gg/kestrel/internal/state"
)

type panelStatus struct {
	Status    string `json:"status"`
	Nodes     int    `json:"nodes"`
	Servers   int    `json:"servers"`
	Running   int    `json:"running"`
	UptimeSec int64  `json:"uptimeSec"`
}

// RunStatus queries a panel for its status and prints it.
func RunStatus(panelURL, configFile string) error {
	if panelURL == "" {
		cfg, err := loadConfig(configFile)
		if err == nil && cfg.Panel != nil {
			listen := cfg.Panel.Listen
			if len(listen) > 0 && listen[0] == ':' {
				listen = "127.0.0.1" + listen
			}
			panelURL = "http://" + listen
		} else if err == nil && cfg.Agent != nil {
			panelURL = cfg.Agent.PanelURL
		}
	}
	if panelURL == "" {
		return fmt.Errorf("no panel URL: pass --panel or configure one")
	}

	client := &http.Client{Timeout: 5 * time.Second}

	var st panelStatus
	if err := getJSON(client, panelURL+"/api/status", &st); err != nil {
		return fmt.Errorf("panel unreachable at %s: %w", panelURL, err)
	}

	fmt.Printf("Panel:    %s (%s)\n", panelURL, st.Status)
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeSec) * time.Second).String())
	fmt.Printf("Nodes:    %d connected\n", st.Nodes)
	fmt.Printf("Servers:  %d known, %d running\n", st.Servers, st.Running)

	var servers []state.ServerStatus
	if err := getJSON(client, panelURL+"/api/servers", &servers); err != nil || len(servers) == 0 {
		return nil
	}

	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tSINCE\tDETAIL")
	for _, s := range servers {
		detail := s.Reason
		if detail == "" && s.ExitCode != nil {
			detail = fmt.Sprintf("exit %d", *s.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			s.ServerID, s.State,
			time.UnixMilli(s.Timestamp).Format("2006-01-02 15:04:05"), detail)
	}
	return tw.Flush()
}

func getJSON(client *http.Client, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
