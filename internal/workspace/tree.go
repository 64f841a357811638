package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TreeNode is one entry in the nested file tree served to folder-mode clients.
type TreeNode struct {
	Type     string      `json:"type"` // "folder" or "file"
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Children []*TreeNode `json:"children,omitempty"`
}

// FileTree builds the nested folder/file structure of all markdown files in
// the workspace, folders sorted before files, names case-insensitive.
func (w *Workspace) FileTree() (*TreeNode, error) {
	root := &TreeNode{
		Type:     "folder",
		Name:     filepath.Base(w.root),
		Path:     "",
		Children: []*TreeNode{},
	}

	files, err := w.ListMarkdownFiles()
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		parts := strings.Split(rel, "/")
		node := root
		for i, part := range parts[:len(parts)-1] {
			folderPath := strings.Join(parts[:i+1], "/")
			child := findFolder(node, part)
			if child == nil {
				child = &TreeNode{Type: "folder", Name: part, Path: folderPath, Children: []*TreeNode{}}
				node.Children = append(node.Children, child)
			}
			node = child
		}
		node.Children = append(node.Children, &TreeNode{
			Type: "file",
			Name: parts[len(parts)-1],
			Path: rel,
		})
	}

	sortTree(root)
	return root, nil
}

func findFolder(node *TreeNode, name string) *TreeNode {
	for _, child := range node.Children {
		if child.Type == "folder" && child.Name == name {
			return child
		}
	}
	return nil
}

func sortTree(node *TreeNode) {
	for _, child := range node.Children {
		if child.Type == "folder" {
			sortTree(child)
		}
	}
	sort.SliceStable(node.Children, func(i, j int) bool {
		a, b := node.Children[i], node.Children[j]
		if (a.Type == "folder") != (b.Type == "folder") {
			return a.Type == "folder"
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// CreateFile creates an empty file at the given relative path, making parent
// directories as needed. Fails if the target already exists.
func (w *Workspace) CreateFile(rel string) (string, error) {
	abs, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err == nil {
		return "", fmt.Errorf("file already exists: %s", abs)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directories for %s: %w", abs, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", abs, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing new file %s: %w", abs, err)
	}
	return abs, nil
}

// RenamePath renames a file or folder to a new name within the same parent
// directory. The new name must be a bare name, not a path.
func (w *Workspace) RenamePath(rel, newName string) (string, error) {
	if newName == "" || strings.ContainsAny(newName, "/\\") {
		return "", errors.New("new name must not be empty or contain path separators")
	}
	abs, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err != nil {
		return "", fmt.Errorf("inspecting %s: %w", abs, err)
	}
	dest := filepath.Join(filepath.Dir(abs), newName)
	destCanon, err := canonicalize(dest)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s: %w", dest, err)
	}
	if !w.contains(destCanon) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, newName)
	}
	if _, err := os.Lstat(destCanon); err == nil {
		return "", fmt.Errorf("destination already exists: %s", destCanon)
	}
	if err := os.Rename(abs, destCanon); err != nil {
		return "", fmt.Errorf("renaming %s: %w", abs, err)
	}
	return destCanon, nil
}

// DeleteFile removes a file (never a directory) from the workspace.
func (w *Workspace) DeleteFile(rel string) error {
	abs, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", abs, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot delete directory: %s", abs)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("deleting %s: %w", abs, err)
	}
	return nil
}
