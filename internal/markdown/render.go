// Package markdown turns backend replies into displayable markup.
//
// HTML is the stored form (shared with the browser client). Terminal converts
// stored HTML back to Markdown and renders it for a TTY.
package markdown

import (
	"bytes"
	"log/slog"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts reply source text into display markup.
type Renderer interface {
	Render(src string) string
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(src string) string

func (f RenderFunc) Render(src string) string {
	return f(src)
}

// Identity returns its input unchanged.
var Identity = RenderFunc(func(src string) string { return src })

// HTML renders Markdown to HTML with GitHub-flavoured extensions.
type HTML struct {
	engine goldmark.Markdown
}

// NewHTML creates the default HTML renderer. Raw HTML in replies is kept,
// matching what the browser client stores.
func NewHTML() *HTML {
	return &HTML{engine: goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)}
}

// Render converts src to HTML. Without an engine, or when conversion fails,
// src is returned unchanged.
func (h *HTML) Render(src string) string {
	if h == nil || h.engine == nil {
		return src
	}
	var buf bytes.Buffer
	if err := h.engine.Convert([]byte(src), &buf); err != nil {
		slog.Warn("markdown.HTML: conversion failed, using source text", "error", err)
		return src
	}
	return buf.String()
}
