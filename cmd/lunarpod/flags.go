package main

import "time"

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type NewPodFlags struct {
	Component string
}

type LifecycleFlags struct {
	Component string
}

type OpenFlags struct {
	Type      string
	OrbitDbID string
	IndexBy   string
}

type LogFlags struct {
	Book    string
	Level   string
	Pod     string
	Process string
	Last    int
}
