package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath    string
	Listen        string
	BasePath      string
	Engine        string
	MetricsListen string
}

type RunFlags struct {
	APIFlags
	Project  string
	Message  string
	Dir      string
	Commands []string
	Detach   bool
}

type StateFlags struct {
	APIFlags
	Project  string
	Stack    bool
	Terminal bool
}

type KillFlags struct {
	APIFlags
	PID int
}

type PsFlags struct {
	APIFlags
	Project string
}

type DeleteFlags struct {
	APIFlags
	Project string
}
