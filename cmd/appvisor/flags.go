package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APITimeout  time.Duration
	APICAFile   string
	APIInsecure bool
}

// Flag structs decouple cobra from command logic for testing.

type ShowFlags struct {
	Files  []string
	Format string
}

type RunFlags struct {
	Files []string
	Only  []string
	Serve bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type ApplyFlags struct {
	Files []string
	Start bool
}

type ListFlags struct {
	Match string
	JSON  bool
}

type StatusFlags struct {
	Name string
	JSON bool
}

type StopFlags struct {
	Names []string
	Wait  time.Duration
}
