// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

// Task is one node of a DAG: a single tool invocation plus the ids of the
// tasks that must complete before it can run.
type Task struct {
	ID        string
	Tool      string
	DependsOn []string
	Args      map[string]any
}

// DAG is an intent's executable task plan. Tasks are held in insertion
// order; DependsOn ids are resolved against Tasks[i].ID, never against a
// pointer, so a DAG serializes and diffs cleanly.
type DAG struct {
	ID     string
	Intent string
	Tasks  []Task
}

// TaskByID returns the task with the given id, or false if absent.
func (d *DAG) TaskByID(id string) (Task, bool) {
	for _, t := range d.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Clone returns a deep-enough copy that appending tasks to the clone never
// mutates the original — planner.Replan must return an unchanged DAG on
// rejection or degradation without aliasing the caller's slice.
func (d *DAG) Clone() *DAG {
	clone := &DAG{ID: d.ID, Intent: d.Intent, Tasks: make([]Task, len(d.Tasks))}
	for i, t := range d.Tasks {
		deps := make([]string, len(t.DependsOn))
		copy(deps, t.DependsOn)
		clone.Tasks[i] = Task{ID: t.ID, Tool: t.Tool, DependsOn: deps, Args: t.Args}
	}
	return clone
}
