// Package objstore はS3互換オブジェクトストレージへの保存・取得を提供します。
package objstore

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const healthProbeTimeout = 3 * time.Second

// Options はオブジェクトストレージの接続設定です。
type Options struct {
	Endpoint  string // MinIO/R2等の互換エンドポイント。空の場合はAWS既定。
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Client はバケット1つに紐づくオブジェクトストレージクライアントです。
type Client struct {
	s3Client *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

// New はオブジェクトストレージクライアントを生成します。
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey, opts.SecretKey, "",
		)),
		awsconfig.WithRegion(opts.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("オブジェクトストレージ設定の読み込みに失敗しました: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Client{
		s3Client: client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   opts.Bucket,
	}, nil
}

// Upload はローカルファイルをストリーミングでアップロードし、保存先キーを返します。
// key が空の場合は自動生成します。
func (c *Client) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	if key == "" {
		key = fmt.Sprintf("objects/%s/%s", uuid.NewString(), filepath.Base(localPath))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("アップロード対象ファイルを開けませんでした: %w", err)
	}
	defer file.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("オブジェクトのアップロードに失敗しました (%s): %w", key, err)
	}
	return key, nil
}

// UploadZip は複数のローカルファイルを1つのZIPオブジェクトとして保存します。
// アーカイブ全体をメモリに構築せず、書き込みながらアップロードします。
func (c *Client) UploadZip(ctx context.Context, localPaths []string, key string) (string, error) {
	if len(localPaths) == 0 {
		return "", fmt.Errorf("no files to bundle")
	}
	if key == "" {
		key = fmt.Sprintf("objects/%s.zip", uuid.NewString())
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeZip(pw, localPaths))
	}()

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		// 読み取り側を閉じて書き込みゴルーチンを解放する。
		_ = pr.CloseWithError(err)
		return "", fmt.Errorf("ZIPアーカイブのアップロードに失敗しました (%s): %w", key, err)
	}
	return key, nil
}

// writeZip は与えられた順序を保ったまま、各ファイルをベース名でアーカイブします。
func writeZip(w io.Writer, localPaths []string) error {
	zipWriter := zip.NewWriter(w)

	for _, path := range localPaths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
		}
		header.Name = filepath.Base(path)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}

		if _, err := io.Copy(writer, file); err != nil {
			file.Close()
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
		file.Close()
	}

	return zipWriter.Close()
}

// Object はダウンロードしたオブジェクトのストリームとメタデータです。
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Download はオブジェクトをストリームとして取得します。Body は呼び出し側で閉じてください。
func (c *Client) Download(ctx context.Context, key string) (*Object, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("オブジェクトの取得に失敗しました (%s): %w", key, err)
	}

	obj := &Object{
		Body:          out.Body,
		ContentType:   "application/octet-stream",
		ContentLength: -1,
	}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.ContentLength = *out.ContentLength
	}
	return obj, nil
}

// PresignedURL は期限付きのダウンロードURLを発行します。
func (c *Client) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("署名付きURLの発行に失敗しました (%s): %w", key, err)
	}
	return req.URL, nil
}

// HealthCheck はバケットへの到達性を確認します。失敗してもエラーは返しません。
func (c *Client) HealthCheck(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	return err == nil
}
