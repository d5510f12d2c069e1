package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/loykin/appvisor"
)

// renderApps prints one row per instance, pm2 list style.
func renderApps(w io.Writer, sts []appvisor.AppStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("App", "ID", "Mode", "State", "PID", "Uptime", "Restarts", "CPU", "Memory")
	for _, st := range sts {
		for _, in := range st.Instances {
			pid, uptime, cpu, mem := "-", "-", "-", "-"
			if in.PID != 0 {
				pid = strconv.Itoa(in.PID)
				uptime = formatUptime(time.Duration(in.UptimeMS) * time.Millisecond)
			}
			if in.Usage != nil {
				cpu = fmt.Sprintf("%.1f%%", in.Usage.CPUPercent)
				mem = humanize.IBytes(in.Usage.MemoryRSS)
			}
			restarts := strconv.Itoa(in.Restarts)
			if in.UnstableRestarts > 0 {
				restarts += " (" + strconv.Itoa(in.UnstableRestarts) + " unstable)"
			}
			if err := table.Append([]string{
				st.Name, in.ID, string(st.Mode), string(in.State), pid, uptime, restarts, cpu, mem,
			}); err != nil {
				return err
			}
		}
	}
	return table.Render()
}

// renderDescriptors prints what each app will launch.
func renderDescriptors(w io.Writer, set appvisor.Set) error {
	table := tablewriter.NewWriter(w)
	table.Header("App", "Mode", "Instances", "Cwd", "Launch")
	for i := range set.Apps {
		d := &set.Apps[i]
		if err := table.Append([]string{
			d.Name, string(d.Mode()), strconv.Itoa(d.InstanceCount()), d.Cwd, strings.Join(d.LaunchLine(), " "),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	case d < 48*time.Hour:
		return d.Round(time.Hour).String()
	}
	return strconv.Itoa(int(d.Hours()/24)) + "d"
}
