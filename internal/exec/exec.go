// Package exec runs a room's code on behalf of its participants.
package exec

import (
	"context"
	"errors"
	"time"

	"codecollab/internal/models"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrUnavailable         = errors.New("execution engine unavailable")
	ErrDisabled            = errors.New("code execution disabled")
)

// Executor runs source code in a language and reports its output.
type Executor interface {
	Run(ctx context.Context, lang models.Language, code string) (models.RunResult, error)
}

type Limits struct {
	WallTime time.Duration
	MemoryB  int64
	NanoCPUs int64
}

func (l Limits) withDefaults() Limits {
	if l.WallTime <= 0 {
		l.WallTime = 10 * time.Second
	}
	if l.MemoryB <= 0 {
		l.MemoryB = 512 * 1024 * 1024
	}
	if l.NanoCPUs <= 0 {
		l.NanoCPUs = 1_000_000_000
	}
	return l
}

type langSpec struct {
	image    string
	fileName string
	cmds     [][]string
}

var langSpecs = map[models.Language]langSpec{
	models.LangPython: {
		image:    "python:3.11-slim",
		fileName: "main.py",
		cmds:     [][]string{{"python3", "main.py"}},
	},
	models.LangJavaScript: {
		image:    "node:20-slim",
		fileName: "main.js",
		cmds:     [][]string{{"node", "main.js"}},
	},
	models.LangTypeScript: {
		image:    "denoland/deno:1.46.3",
		fileName: "main.ts",
		cmds:     [][]string{{"deno", "run", "--quiet", "main.ts"}},
	},
	models.LangJava: {
		image:    "eclipse-temurin:17-jdk",
		fileName: "Main.java",
		cmds:     [][]string{{"javac", "Main.java"}, {"/bin/sh", "-c", "java Main"}},
	},
	models.LangCPP: {
		image:    "gcc:13",
		fileName: "main.cpp",
		cmds:     [][]string{{"g++", "-O2", "-std=c++17", "main.cpp", "-o", "main"}, {"./main"}},
	},
	models.LangGo: {
		image:    "golang:1.22",
		fileName: "main.go",
		cmds:     [][]string{{"/bin/sh", "-c", "GOCACHE=/tmp/go-cache go run main.go"}},
	},
}

func specFor(lang models.Language) (langSpec, error) {
	spec, ok := langSpecs[lang]
	if !ok {
		return langSpec{}, ErrUnsupportedLanguage
	}
	return spec, nil
}

// Disabled rejects every run.
type Disabled struct{}

func (Disabled) Run(context.Context, models.Language, string) (models.RunResult, error) {
	return models.RunResult{}, ErrDisabled
}
