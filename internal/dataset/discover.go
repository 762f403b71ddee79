package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	imageDir = "image_2"
	labelDir = "gt_image_2"
)

var (
	imageRegexp = regexp.MustCompile(`(?i)^[a-z]+_[0-9]+\.png$`)
	labelRegexp = regexp.MustCompile(`(?i)^([a-z]+)_road_([0-9]+\.png)$`)
)

// Pair links a camera image to its ground-truth road mask.
type Pair struct {
	Key       string
	ImagePath string
	LabelPath string
}

// Enumerate pairs every image under root/image_2 with its road mask under
// root/gt_image_2. A mask named um_road_000001.png belongs to um_000001.png.
// The result is sorted by key.
func Enumerate(root string) ([]Pair, error) {
	images, err := scan(filepath.Join(root, imageDir), imageRegexp)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, &DataLoadError{Path: filepath.Join(root, imageDir), Err: errors.New("no images found")}
	}
	labels, err := scan(filepath.Join(root, labelDir), labelRegexp)
	if err != nil {
		return nil, err
	}

	byImage := make(map[string]string, len(labels))
	for _, path := range labels {
		m := labelRegexp.FindStringSubmatch(filepath.Base(path))
		byImage[m[1]+"_"+m[2]] = path
	}

	pairs := make([]Pair, 0, len(images))
	for _, path := range images {
		name := filepath.Base(path)
		label, ok := byImage[name]
		if !ok {
			return nil, &DataLoadError{Path: path, Err: errors.New("no matching road mask")}
		}
		pairs = append(pairs, Pair{
			Key:       strings.TrimSuffix(name, filepath.Ext(name)),
			ImagePath: path,
			LabelPath: label,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// ListImages returns the sorted image paths under root/image_2.
func ListImages(root string) ([]string, error) {
	return scan(filepath.Join(root, imageDir), imageRegexp)
}

func scan(dir string, pattern *regexp.Regexp) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, &DataLoadError{Path: dir, Err: err}
	}
	sort.Strings(entries)
	return entries, nil
}
