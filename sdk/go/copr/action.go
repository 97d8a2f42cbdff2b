// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package copr

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ActionType is the frontend's numeric action type.
type ActionType int

const (
	ActionDelete           ActionType = 0
	ActionRename           ActionType = 1
	ActionLegalFlag        ActionType = 2
	ActionCreaterepo       ActionType = 3
	ActionUpdateComps      ActionType = 4
	ActionGenGPGKey        ActionType = 5
	ActionRawhideToRelease ActionType = 6
	ActionFork             ActionType = 7
	ActionUpdateModuleMD   ActionType = 8 // deprecated
	ActionBuildModule      ActionType = 9
	ActionCancelBuild      ActionType = 10
	ActionRemoveDirs       ActionType = 11
)

var actionTypeNames = map[ActionType]string{
	ActionDelete:           "delete",
	ActionRename:           "rename",
	ActionLegalFlag:        "legal_flag",
	ActionCreaterepo:       "createrepo",
	ActionUpdateComps:      "update_comps",
	ActionGenGPGKey:        "gen_gpg_key",
	ActionRawhideToRelease: "rawhide_to_release",
	ActionFork:             "fork",
	ActionUpdateModuleMD:   "update_module_md",
	ActionBuildModule:      "build_module",
	ActionCancelBuild:      "cancel_build",
	ActionRemoveDirs:       "remove_dirs",
}

func (t ActionType) String() string {
	if name, ok := actionTypeNames[t]; ok {
		return name
	}
	return "unknown-" + strconv.Itoa(int(t))
}

// ActionResultCode is the frontend's numeric action result.
type ActionResultCode int

const (
	ActionWaiting ActionResultCode = 0
	ActionSuccess ActionResultCode = 1
	ActionFailure ActionResultCode = 2
)

func (r ActionResultCode) String() string {
	switch r {
	case ActionWaiting:
		return "waiting"
	case ActionSuccess:
		return "success"
	case ActionFailure:
		return "failure"
	}
	return "unknown-" + strconv.Itoa(int(r))
}

// Action is a project-lifecycle action as handed out by the
// frontend. Data holds a JSON document whose shape depends on
// ActionType (and ObjectType, for deletes).
type Action struct {
	ID         int64      `json:"id"`
	ActionType ActionType `json:"action_type"`
	ObjectType string     `json:"object_type"`
	ObjectID   int64      `json:"object_id"`
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	Priority   int        `json:"priority"`
	Data       string     `json:"data"`
}

// DecodeData unmarshals the action's JSON payload into dst.
func (a *Action) DecodeData(dst interface{}) error {
	if a.Data == "" {
		return Fatal(fmt.Errorf("action %d has no data", a.ID))
	}
	if err := json.Unmarshal([]byte(a.Data), dst); err != nil {
		return Fatal(fmt.Errorf("action %d: invalid data: %w", a.ID, err))
	}
	return nil
}

func (a *Action) String() string {
	return fmt.Sprintf("Action<id: %d, type: %s, object: %s/%d>", a.ID, a.ActionType, a.ObjectType, a.ObjectID)
}

// ActionResult is posted back to the frontend when an action ends.
type ActionResult struct {
	ID      int64            `json:"id"`
	Result  ActionResultCode `json:"result"`
	Message string           `json:"message,omitempty"`
	EndedOn int64            `json:"ended_on"`
}
